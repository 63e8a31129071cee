package storage

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TenantWarnings counts user-scoped statements that arrived without a
// user_id while strict tenancy was off.
var TenantWarnings = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "openmemory",
	Subsystem: "storage",
	Name:      "tenant_scope_warnings_total",
	Help:      "User-scoped statements executed without a user_id binding.",
})

// Guard enforces the tenant rule on user-scoped statements. In strict mode a
// missing user_id fails the statement; otherwise it bumps a warning counter
// and lets the statement through unchanged.
type Guard struct {
	// Strict rejects instead of warning.
	Strict bool
}

// Check validates the user binding for the named operation.
func (g Guard) Check(op, userID string) error {
	if userID != "" {
		return nil
	}
	if g.Strict {
		return fmt.Errorf("%s: %w", op, ErrTenantScope)
	}
	TenantWarnings.Inc()
	log.Warn("user-scoped statement without user_id", "op", op)
	return nil
}
