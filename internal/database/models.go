package database

import "time"

// Scope identifies which layer of the tool-settings hierarchy a row belongs
// to. Resolution merges scopes in precedence order: default < user < project
// < shot (later scopes win per key).
const (
	ScopeDefault = "default"
	ScopeUser    = "user"
	ScopeProject = "project"
	ScopeShot    = "shot"
)

// ToolSetting holds one scope layer of configuration for one tool, as a JSON
// object. ScopeID is empty for the default scope, otherwise the user,
// project, or shot identifier the row applies to.
type ToolSetting struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ToolName  string    `gorm:"not null;uniqueIndex:idx_tool_scope" json:"tool_name"`
	Scope     string    `gorm:"not null;uniqueIndex:idx_tool_scope" json:"scope"`
	ScopeID   string    `gorm:"not null;default:'';uniqueIndex:idx_tool_scope" json:"scope_id"`
	Payload   string    `gorm:"type:text;not null;default:'{}'" json:"payload"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReconnectRecord is the audit row written for every coalesced reconnect
// dispatch. Old rows are pruned by a daily cron job.
type ReconnectRecord struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	DispatchID       string    `gorm:"not null;uniqueIndex" json:"dispatch_id"`
	Source           string    `gorm:"not null" json:"source"`
	Reason           string    `gorm:"not null" json:"reason"`
	Priority         string    `gorm:"not null" json:"priority"`
	CoalescedSources string    `gorm:"type:text" json:"coalesced_sources"`
	CoalescedReasons string    `gorm:"type:text" json:"coalesced_reasons"`
	IntentCount      int       `gorm:"not null;default:0" json:"intent_count"`
	DispatchedAt     time.Time `gorm:"index" json:"dispatched_at"`
}

// Setting is service-level key/value state (fernet key, encrypted backend
// token, operational toggles).
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
