// Package suppression implements the Suppression Matcher (C2): a
// TTL-cached, fail-open check of whether an incoming log line should be
// dropped before reaching the Event Publisher.
package suppression

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hostsentry/agent/internal/model"
)

// RuleStore is the relational source of truth for suppression rules.
// The matcher only ever reads the enabled, non-expired subset and writes
// back match-count updates; the rules themselves are authored externally.
type RuleStore interface {
	LoadActiveRules(ctx context.Context) ([]model.SuppressionRule, error)
	IncrementMatch(ctx context.Context, ruleID string, matchedAt time.Time) error
	Close() error
}

// SQLiteRuleStore is a RuleStore backed by an embedded, pure-Go SQLite
// database, so the agent carries no external database dependency.
type SQLiteRuleStore struct {
	db *sql.DB
}

// NewSQLiteRuleStore opens (creating if absent) the suppression rule
// database at path and ensures its schema exists.
func NewSQLiteRuleStore(ctx context.Context, path string) (*SQLiteRuleStore, error) {
	if path == "" {
		return nil, fmt.Errorf("suppression: database path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("suppression: invalid path contains '..': %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("suppression: creating directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("suppression: opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("suppression: ping: %w", err)
	}

	s := &SQLiteRuleStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	_ = os.Chmod(path, 0o600)
	return s, nil
}

func (s *SQLiteRuleStore) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS suppression_rules (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    match_text      TEXT NOT NULL,
    node_scope      TEXT,
    enabled         INTEGER NOT NULL DEFAULT 1,
    expires_at      INTEGER,
    match_count     INTEGER NOT NULL DEFAULT 0,
    last_matched_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_suppression_rules_enabled ON suppression_rules(enabled);
`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("suppression: init schema: %w", err)
	}
	return nil
}

// LoadActiveRules returns enabled, non-expired rules ordered ascending by
// id, matching the matcher's documented tie-breaking order.
func (s *SQLiteRuleStore) LoadActiveRules(ctx context.Context) ([]model.SuppressionRule, error) {
	const query = `
SELECT id, name, match_text, node_scope, enabled, expires_at, match_count, last_matched_at
FROM suppression_rules
WHERE enabled = 1 AND (expires_at IS NULL OR expires_at > ?)
ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("suppression: query active rules: %w", err)
	}
	defer rows.Close()

	var rules []model.SuppressionRule
	for rows.Next() {
		var (
			r             model.SuppressionRule
			nodeScope     sql.NullString
			expiresAtUnix sql.NullInt64
			lastMatchUnix sql.NullInt64
			enabledInt    int
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.MatchText, &nodeScope, &enabledInt, &expiresAtUnix, &r.MatchCount, &lastMatchUnix); err != nil {
			return nil, fmt.Errorf("suppression: scan rule row: %w", err)
		}
		r.Enabled = enabledInt != 0
		if nodeScope.Valid {
			v := nodeScope.String
			r.NodeScope = &v
		}
		if expiresAtUnix.Valid {
			t := time.Unix(expiresAtUnix.Int64, 0).UTC()
			r.ExpiresAt = &t
		}
		if lastMatchUnix.Valid {
			t := time.Unix(lastMatchUnix.Int64, 0).UTC()
			r.LastMatchedAt = &t
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// IncrementMatch updates a rule's match counter and last-matched instant.
// Callers treat failures as best-effort: log and continue.
func (s *SQLiteRuleStore) IncrementMatch(ctx context.Context, ruleID string, matchedAt time.Time) error {
	const query = `UPDATE suppression_rules SET match_count = match_count + 1, last_matched_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, matchedAt.Unix(), ruleID)
	if err != nil {
		return fmt.Errorf("suppression: increment match count for rule %s: %w", ruleID, err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *SQLiteRuleStore) Close() error {
	return s.db.Close()
}
