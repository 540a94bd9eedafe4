package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ConversationLog struct {
	ID         string         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	SessionID  string         `gorm:"column:session_id;type:text;index" json:"session_id"`
	AnalysisID string         `gorm:"column:analysis_id;type:uuid;index" json:"analysis_id"`
	Role       string         `gorm:"column:role;type:text" json:"role"` // "user" | "assistant"
	Content    string         `gorm:"column:content;type:text" json:"content"`
	Providers  pq.StringArray `gorm:"column:providers;type:text[]" json:"providers"`
	Timestamp  time.Time      `gorm:"column:timestamp;type:timestamptz;index" json:"timestamp"`
	Metadata   datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
}

func (ConversationLog) TableName() string { return "conversation_logs" }
