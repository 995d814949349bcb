// Package model holds the data types shared across the agent's subsystems.
package model

import "time"

// Priority is the urgency classification assigned to a log source or event.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Severity is the classification derived from keyword matching on a log line.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityFailure  Severity = "failure"
	SeverityError    Severity = "error"
	SeverityWarn     Severity = "warn"
	SeverityInfo     Severity = "info"
)

// LogSource identifies one file the agent tails.
type LogSource struct {
	ID          string    `json:"id" validate:"required"`
	Path        string    `json:"path" validate:"required"`
	Label       string    `json:"label"`
	Priority    Priority  `json:"priority" validate:"required,oneof=critical high medium low"`
	Enabled     bool      `json:"enabled"`
	AutoMonitor bool      `json:"auto_monitor"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// LogEvent is one accepted error line plus its derived fields, ready for
// publication to the message bus.
type LogEvent struct {
	EventID         string   `json:"event_id"`
	SourceTimestamp string   `json:"timestamp"`
	NodeID          string   `json:"node_id"`
	SourcePath      string   `json:"source_path"`
	SourceLabel     string   `json:"source_label"`
	Line            string   `json:"log"`
	Severity        Severity `json:"severity"`
	Priority        Priority `json:"priority"`
}

// SuppressionRule is a persisted instruction to drop matching events without
// publication.
type SuppressionRule struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	MatchText    string     `json:"match_text" validate:"required"`
	NodeScope    *string    `json:"node_scope,omitempty"`
	Enabled      bool       `json:"enabled"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	MatchCount   int64      `json:"match_count"`
	LastMatchedAt *time.Time `json:"last_matched_at,omitempty"`
}

// Expired reports whether the rule's expiry instant has passed relative to now.
func (r *SuppressionRule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// AppliesToNode reports whether the rule's node scope covers nodeID.
func (r *SuppressionRule) AppliesToNode(nodeID string) bool {
	return r.NodeScope == nil || *r.NodeScope == nodeID
}
