package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	alerting "infrawatch/internal/alerting/domain"
)

//go:embed schema.sql
var schema string

// Open connects to Postgres through the pgx database/sql driver.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres: empty dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the archive tables when missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("postgres: nil db")
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

// AlertArchive writes alert snapshots and their history through to Postgres.
type AlertArchive struct {
	db *sql.DB
}

// NewAlertArchive constructs an archive.
func NewAlertArchive(db *sql.DB) (*AlertArchive, error) {
	if db == nil {
		return nil, errors.New("alert archive: nil db")
	}
	return &AlertArchive{db: db}, nil
}

// Save upserts the alert row and appends history entries not yet persisted.
func (a *AlertArchive) Save(ctx context.Context, alert alerting.Alert) error {
	if alert.ID == "" {
		return errors.New("alert archive: empty id")
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO alerts (
	id, fingerprint, rule_id, name, description, severity, status, created_at, last_seen_at,
	resource_id, resource_type, value, threshold_operator, threshold_value,
	acknowledged_at, acknowledged_by, comment, resolved_at, resolved_by, resolution, root_cause, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9,
	$10, $11, $12, $13, $14,
	$15, $16, $17, $18, $19, $20, $21, now()
)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	last_seen_at = EXCLUDED.last_seen_at,
	value = EXCLUDED.value,
	acknowledged_at = EXCLUDED.acknowledged_at,
	acknowledged_by = EXCLUDED.acknowledged_by,
	comment = EXCLUDED.comment,
	resolved_at = EXCLUDED.resolved_at,
	resolved_by = EXCLUDED.resolved_by,
	resolution = EXCLUDED.resolution,
	root_cause = EXCLUDED.root_cause,
	updated_at = now()`,
		alert.ID, alert.Fingerprint, alert.RuleID, alert.Name, alert.Description, string(alert.Severity), string(alert.Status),
		alert.CreatedAt, alert.LastSeenAt, alert.ResourceID, alert.ResourceType, alert.Value,
		string(alert.Threshold.Operator), alert.Threshold.Value,
		nullTime(alert.AcknowledgedAt), alert.AcknowledgedBy, alert.Comment,
		nullTime(alert.ResolvedAt), alert.ResolvedBy, alert.Resolution, alert.RootCause)
	if err != nil {
		return fmt.Errorf("alert archive: upsert %s: %w", alert.ID, err)
	}

	var persisted int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM alert_history WHERE alert_id = $1`, alert.ID).Scan(&persisted); err != nil {
		return err
	}
	for seq := persisted; seq < len(alert.History); seq++ {
		entry := alert.History[seq]
		if _, err := tx.ExecContext(ctx, `
INSERT INTO alert_history (alert_id, seq, ts, status, value)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (alert_id, seq) DO NOTHING`, alert.ID, seq, entry.Timestamp, string(entry.Status), entry.Value); err != nil {
			return fmt.Errorf("alert archive: history %s/%d: %w", alert.ID, seq, err)
		}
	}
	return tx.Commit()
}

// LoadOpen returns every archived active or acknowledged alert with its history.
func (a *AlertArchive) LoadOpen(ctx context.Context) ([]alerting.Alert, error) {
	rows, err := a.db.QueryContext(ctx, `
SELECT id, fingerprint, rule_id, name, description, severity, status, created_at, last_seen_at,
	resource_id, resource_type, value, threshold_operator, threshold_value,
	acknowledged_at, acknowledged_by, comment, resolved_at, resolved_by, resolution, root_cause
FROM alerts
WHERE status IN ('active', 'acknowledged')
ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alerting.Alert
	index := make(map[string]int)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		index[alert.ID] = len(out)
		out = append(out, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	histRows, err := a.db.QueryContext(ctx, `
SELECT h.alert_id, h.ts, h.status, h.value
FROM alert_history h
JOIN alerts a ON a.id = h.alert_id
WHERE a.status IN ('active', 'acknowledged')
ORDER BY h.alert_id, h.seq`)
	if err != nil {
		return nil, err
	}
	defer histRows.Close()
	for histRows.Next() {
		var (
			alertID string
			entry   alerting.HistoryEntry
			status  string
		)
		if err := histRows.Scan(&alertID, &entry.Timestamp, &status, &entry.Value); err != nil {
			return nil, err
		}
		idx, ok := index[alertID]
		if !ok {
			continue
		}
		entry.Timestamp = entry.Timestamp.UTC()
		entry.Status = alerting.Status(status)
		out[idx].History = append(out[idx].History, entry)
	}
	return out, histRows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (alerting.Alert, error) {
	var (
		alert                alerting.Alert
		severity, status, op string
		ackAt, resolvedAt    sql.NullTime
	)
	if err := row.Scan(
		&alert.ID,
		&alert.Fingerprint,
		&alert.RuleID,
		&alert.Name,
		&alert.Description,
		&severity,
		&status,
		&alert.CreatedAt,
		&alert.LastSeenAt,
		&alert.ResourceID,
		&alert.ResourceType,
		&alert.Value,
		&op,
		&alert.Threshold.Value,
		&ackAt,
		&alert.AcknowledgedBy,
		&alert.Comment,
		&resolvedAt,
		&alert.ResolvedBy,
		&alert.Resolution,
		&alert.RootCause,
	); err != nil {
		return alerting.Alert{}, err
	}
	alert.Severity = alerting.Severity(severity)
	alert.Status = alerting.Status(status)
	alert.Threshold.Operator = alerting.Operator(op)
	alert.CreatedAt = alert.CreatedAt.UTC()
	alert.LastSeenAt = alert.LastSeenAt.UTC()
	alert.AcknowledgedAt = timePtr(ackAt)
	alert.ResolvedAt = timePtr(resolvedAt)
	return alert, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
