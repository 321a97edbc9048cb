package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// Repository stores entries in the audit_logs table.
type Repository struct {
	db *sql.DB
}

// NewRepository returns nil when db is nil.
func NewRepository(db *sql.DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{db: db}
}

const insertEntry = `
INSERT INTO audit_logs (id, actor, role, action, resource_type, resource_id,
	metadata, payload_digest, ip, user_agent, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func (r *Repository) Log(ctx context.Context, entry Entry) error {
	entry = entry.stamped()
	var metadata []byte
	if len(entry.Metadata) > 0 {
		metadata = entry.Metadata
	}
	if _, err := r.db.ExecContext(ctx, insertEntry,
		entry.ID, entry.Actor, entry.Role, entry.Action, entry.ResourceType, entry.ResourceID,
		metadata, entry.Digest, entry.IP, entry.UserAgent, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("audit: insert %s: %w", entry.Action, err)
	}
	return nil
}

// ForResource lists the newest entries for one resource.
func (r *Repository) ForResource(ctx context.Context, resourceType, resourceID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, actor, role, action, resource_type, resource_id,
	COALESCE(metadata::text, ''), payload_digest, ip, user_agent, created_at
FROM audit_logs
WHERE resource_type = $1 AND resource_id = $2
ORDER BY created_at DESC
LIMIT $3`, resourceType, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query %s/%s: %w", resourceType, resourceID, err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var metadata string
		if err := rows.Scan(&e.ID, &e.Actor, &e.Role, &e.Action, &e.ResourceType, &e.ResourceID,
			&metadata, &e.Digest, &e.IP, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if metadata != "" {
			e.Metadata = []byte(metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
