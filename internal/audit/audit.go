// Package audit records who acknowledged, resolved or reloaded what.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Entry is one operator action.
type Entry struct {
	ID           string          `json:"id"`
	Actor        string          `json:"actor"`
	Role         string          `json:"role,omitempty"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Digest       string          `json:"digest,omitempty"`
	IP           string          `json:"ip,omitempty"`
	UserAgent    string          `json:"userAgent,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Logger persists entries. Callers treat failures as non-fatal.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// stamped fills the id, timestamp and metadata digest when unset.
func (e Entry) stamped() Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	if e.Digest == "" && len(e.Metadata) > 0 {
		sum := sha256.Sum256(e.Metadata)
		e.Digest = hex.EncodeToString(sum[:])
	}
	return e
}

// LogWriter writes entries to the process log. It is used when no
// database is configured.
type LogWriter struct {
	logger zerolog.Logger
}

func NewLogWriter(logger zerolog.Logger) *LogWriter {
	return &LogWriter{logger: logger.With().Str("component", "audit").Logger()}
}

func (w *LogWriter) Log(_ context.Context, entry Entry) error {
	entry = entry.stamped()
	ev := w.logger.Info().
		Str("audit_id", entry.ID).
		Str("actor", entry.Actor).
		Str("action", entry.Action).
		Str("resource", entry.ResourceType+"/"+entry.ResourceID).
		Time("at", entry.CreatedAt)
	if entry.Role != "" {
		ev = ev.Str("role", entry.Role)
	}
	if len(entry.Metadata) > 0 {
		ev = ev.RawJSON("metadata", entry.Metadata).Str("digest", entry.Digest)
	}
	ev.Msg("operator action")
	return nil
}
