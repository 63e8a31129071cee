// Package temporal manages the append-only fact graph: subject-predicate-
// object triples with validity intervals and weighted edges between facts.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/openmemory/openmemory-go/pkg/core"
	"github.com/openmemory/openmemory-go/pkg/storage"
)

// Fact is the caller-facing view of one triple. A nil ValidTo means the
// interval is still open.
type Fact struct {
	ID          string                 `json:"id"`
	UserID      string                 `json:"user_id"`
	Subject     string                 `json:"subject"`
	Predicate   string                 `json:"predicate"`
	Object      string                 `json:"object"`
	ValidFrom   time.Time              `json:"valid_from"`
	ValidTo     *time.Time             `json:"valid_to,omitempty"`
	Confidence  float64                `json:"confidence"`
	LastUpdated time.Time              `json:"last_updated"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// FactRequest inserts a fact. A zero ValidFrom defaults to now.
type FactRequest struct {
	UserID     string                 `json:"user_id"`
	Subject    string                 `json:"subject"`
	Predicate  string                 `json:"predicate"`
	Object     string                 `json:"object"`
	ValidFrom  time.Time              `json:"valid_from,omitempty"`
	ValidTo    *time.Time             `json:"valid_to,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// EdgeRequest relates two existing facts.
type EdgeRequest struct {
	UserID       string                 `json:"user_id"`
	SourceFact   string                 `json:"source_fact"`
	TargetFact   string                 `json:"target_fact"`
	RelationType string                 `json:"relation_type"`
	ValidFrom    time.Time              `json:"valid_from,omitempty"`
	ValidTo      *time.Time             `json:"valid_to,omitempty"`
	Weight       float64                `json:"weight"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Query selects facts; AsOf nil returns the latest open intervals.
type Query struct {
	UserID    string
	Subject   string
	Predicate string
	AsOf      *time.Time
	Limit     int
}

// Service implements the temporal graph over a storage backend.
type Service struct {
	store storage.Store
	node  *snowflake.Node
}

// New builds the service sharing the engine's backend.
func New(store storage.Store, nodeID int64) (*Service, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("New: %w", err)
	}
	return &Service{store: store, node: node}, nil
}

// InsertFact appends a fact. When an open interval exists for the same
// (subject, predicate) and the new valid_from is later, that interval is
// closed at the new valid_from inside the same transaction, so at most one
// interval per pair stays open.
func (s *Service) InsertFact(ctx context.Context, req *FactRequest) (*Fact, error) {
	if req.UserID == "" {
		return nil, core.EK("InsertFact", core.KindValidation, errors.New("user_id is required"))
	}
	if req.Subject == "" || req.Predicate == "" || req.Object == "" {
		return nil, core.EK("InsertFact", core.KindValidation, errors.New("subject, predicate and object are required"))
	}
	validFrom := req.ValidFrom
	if validFrom.IsZero() {
		validFrom = time.Now().UTC()
	}
	if req.ValidTo != nil && req.ValidTo.Before(validFrom) {
		return nil, core.EK("InsertFact", core.KindValidation, errors.New("valid_to precedes valid_from"))
	}
	confidence := req.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 1
	}

	row := &storage.FactRow{
		ID:          s.node.Generate().String(),
		UserID:      req.UserID,
		Subject:     req.Subject,
		Predicate:   req.Predicate,
		Object:      req.Object,
		ValidFrom:   validFrom,
		ValidTo:     req.ValidTo,
		Confidence:  confidence,
		LastUpdated: time.Now().UTC(),
		Metadata:    req.Metadata,
	}

	err := s.store.WithTransaction(ctx, func(ops storage.Ops) error {
		if _, err := ops.CloseFactInterval(ctx, req.UserID, req.Subject, req.Predicate, validFrom); err != nil {
			return err
		}
		return ops.InsertFact(ctx, row)
	})
	if err != nil {
		return nil, mapErr("InsertFact", err)
	}
	return fromRow(row), nil
}

// QueryFacts selects facts, bitemporally when AsOf is set: a fact matches
// when its [valid_from, valid_to) interval contains the instant.
func (s *Service) QueryFacts(ctx context.Context, q *Query) ([]*Fact, error) {
	if q.UserID == "" {
		return nil, core.EK("QueryFacts", core.KindValidation, errors.New("user_id is required"))
	}
	rows, err := s.store.QueryFacts(ctx, storage.FactQuery{
		UserID:    q.UserID,
		Subject:   q.Subject,
		Predicate: q.Predicate,
		AsOf:      q.AsOf,
		Limit:     q.Limit,
	})
	if err != nil {
		return nil, mapErr("QueryFacts", err)
	}
	out := make([]*Fact, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

// InsertEdge relates two facts; both endpoints must exist and the weight
// must be positive.
func (s *Service) InsertEdge(ctx context.Context, req *EdgeRequest) (string, error) {
	if req.UserID == "" {
		return "", core.EK("InsertEdge", core.KindValidation, errors.New("user_id is required"))
	}
	if req.Weight <= 0 {
		return "", core.EK("InsertEdge", core.KindValidation, errors.New("weight must be positive"))
	}
	validFrom := req.ValidFrom
	if validFrom.IsZero() {
		validFrom = time.Now().UTC()
	}

	for _, factID := range []string{req.SourceFact, req.TargetFact} {
		f, err := s.store.GetFact(ctx, factID, req.UserID)
		if err != nil {
			return "", mapErr("InsertEdge", err)
		}
		if f == nil {
			return "", core.EK("InsertEdge", core.KindNotFound, fmt.Errorf("fact %s", factID))
		}
	}

	row := &storage.EdgeRow{
		ID:           s.node.Generate().String(),
		UserID:       req.UserID,
		SourceFact:   req.SourceFact,
		TargetFact:   req.TargetFact,
		RelationType: req.RelationType,
		ValidFrom:    validFrom,
		ValidTo:      req.ValidTo,
		Weight:       req.Weight,
		Metadata:     req.Metadata,
	}
	if err := s.store.InsertEdge(ctx, row); err != nil {
		return "", mapErr("InsertEdge", err)
	}
	return row.ID, nil
}

func fromRow(r *storage.FactRow) *Fact {
	return &Fact{
		ID:          r.ID,
		UserID:      r.UserID,
		Subject:     r.Subject,
		Predicate:   r.Predicate,
		Object:      r.Object,
		ValidFrom:   r.ValidFrom,
		ValidTo:     r.ValidTo,
		Confidence:  r.Confidence,
		LastUpdated: r.LastUpdated,
		Metadata:    r.Metadata,
	}
}

func mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrConflict):
		return core.EK(op, core.KindConflict, err)
	case errors.Is(err, storage.ErrTenantScope):
		return core.EK(op, core.KindTenantScope, err)
	default:
		return core.E(op, err)
	}
}
