package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	alerting "infrawatch/internal/alerting/domain"
)

// RuleSource loads rule definitions stored as JSON documents in alert_rules.
type RuleSource struct {
	db *sql.DB
}

// NewRuleSource constructs a database rule source.
func NewRuleSource(db *sql.DB) (*RuleSource, error) {
	if db == nil {
		return nil, errors.New("rule source: nil db")
	}
	return &RuleSource{db: db}, nil
}

// Name identifies the source in diagnostics.
func (s *RuleSource) Name() string { return "postgres:alert_rules" }

// Load reads every stored rule. The enabled column overrides the document's flag.
func (s *RuleSource) Load(ctx context.Context) ([]alerting.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, definition, enabled
FROM alert_rules
ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alerting.Rule
	for rows.Next() {
		var (
			id      string
			raw     []byte
			enabled bool
		)
		if err := rows.Scan(&id, &raw, &enabled); err != nil {
			return nil, err
		}
		var rule alerting.Rule
		if err := json.Unmarshal(raw, &rule); err != nil {
			return nil, &alerting.ConfigError{Source: s.Name(), Violations: []string{fmt.Sprintf("%s: %v", id, err)}}
		}
		if rule.ID == "" {
			rule.ID = id
		}
		flag := enabled
		rule.Enabled = &flag
		out = append(out, rule)
	}
	return out, rows.Err()
}

// Save stores or replaces a rule definition.
func (s *RuleSource) Save(ctx context.Context, rule alerting.Rule) error {
	if v := rule.Validate(); len(v) > 0 {
		return &alerting.ConfigError{Source: s.Name(), Violations: v}
	}
	raw, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO alert_rules (id, definition, enabled, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
	definition = EXCLUDED.definition,
	enabled = EXCLUDED.enabled,
	updated_at = EXCLUDED.updated_at`, rule.ID, raw, rule.IsEnabled(), time.Now().UTC())
	return err
}
