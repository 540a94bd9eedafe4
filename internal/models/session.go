package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SessionState is the upstream lifecycle of one live stream.
type SessionState string

const (
	SessionConnecting SessionState = "connecting"
	SessionActive     SessionState = "active"
	SessionFlushing   SessionState = "flushing"
	SessionEnded      SessionState = "ended"
)

// StreamSession is the audit record of a caller stream. It is written when
// the stream starts and closed when the relay releases it; live state stays
// in memory.
type StreamSession struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID string             `bson:"session_id" json:"session_id"` // uuid v4
	Status    string             `bson:"status" json:"status"`         // active|ended
	RemoteIP  string             `bson:"remote_ip,omitempty" json:"remote_ip,omitempty"`

	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	EndedAt   *time.Time `bson:"ended_at,omitempty" json:"ended_at,omitempty"`

	DurationSeconds int64 `bson:"duration_seconds" json:"duration_seconds"`
}
