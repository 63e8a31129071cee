package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Extractor turns an uploaded document into plain text. The engine asks
// each registered extractor in order and uses the first that supports the
// content type.
type Extractor interface {
	Supports(contentType string) bool
	Extract(contentType string, data []byte) (string, error)
}

func defaultExtractors() []Extractor {
	return []Extractor{textExtractor{}, jsonExtractor{}}
}

// textExtractor passes plain-text families through unchanged.
type textExtractor struct{}

func (textExtractor) Supports(ct string) bool {
	switch baseContentType(ct) {
	case "text/plain", "text/markdown", "text/csv", "text/html":
		return true
	}
	return false
}

func (textExtractor) Extract(_ string, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", errors.New("payload is not valid UTF-8")
	}
	return string(data), nil
}

// jsonExtractor concatenates every string value in a JSON document.
type jsonExtractor struct{}

func (jsonExtractor) Supports(ct string) bool {
	return baseContentType(ct) == "application/json"
}

func (jsonExtractor) Extract(_ string, data []byte) (string, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse json: %w", err)
	}
	var parts []string
	collectStrings(doc, &parts)
	return strings.Join(parts, "\n"), nil
}

func collectStrings(v interface{}, out *[]string) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) != "" {
			*out = append(*out, t)
		}
	case []interface{}:
		for _, item := range t {
			collectStrings(item, out)
		}
	case map[string]interface{}:
		for _, item := range t {
			collectStrings(item, out)
		}
	}
}

func baseContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// Ingest extracts a document, splits it into overlapping chunks and adds
// each chunk as its own memory.
func (e *Engine) Ingest(ctx context.Context, req *IngestRequest) (*IngestResult, error) {
	cfg := e.holder.Get()
	if int64(len(req.Data)) > cfg.MaxPayloadSize {
		return nil, EK("Ingest", KindFileTooLarge,
			fmt.Errorf("payload is %d bytes, limit %d", len(req.Data), cfg.MaxPayloadSize))
	}

	var extractor Extractor
	for _, x := range e.extractors {
		if x.Supports(req.ContentType) {
			extractor = x
			break
		}
	}
	if extractor == nil {
		return nil, EK("Ingest", KindUnsupportedContentType,
			fmt.Errorf("content type %q", req.ContentType))
	}

	text, err := extractor.Extract(req.ContentType, req.Data)
	if err != nil {
		return nil, EK("Ingest", KindValidation, err)
	}

	chunks := chunkText(text, cfg.ChunkSize, cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return nil, EK("Ingest", KindValidation, errors.New("document contains no text"))
	}

	res := &IngestResult{Chunks: len(chunks)}
	for _, chunk := range chunks {
		added, err := e.Add(ctx, &AddRequest{
			UserID:  req.UserID,
			Content: chunk,
			Metadata: map[string]interface{}{
				"source":       "ingest",
				"content_type": baseContentType(req.ContentType),
			},
		})
		if err != nil {
			return nil, err
		}
		res.IDs = append(res.IDs, added.ID)
	}
	return res, nil
}

// chunkText splits text into rune windows of size with the given overlap,
// preferring to break at whitespace near the window end.
func chunkText(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, strings.TrimSpace(string(runes[start:])))
			break
		}
		// Walk back to the nearest space so words stay intact.
		cut := end
		for cut > start+size/2 && runes[cut] != ' ' && runes[cut] != '\n' {
			cut--
		}
		if cut == start+size/2 {
			cut = end
		}
		chunk := strings.TrimSpace(string(runes[start:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}
