package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Analysis is one completed "process" round trip: the transcript sent to a
// provider and what came back.
type Analysis struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	AnalysisID string             `bson:"analysis_id" json:"analysis_id"`
	SessionID  string             `bson:"session_id" json:"session_id"`

	Transcript string `bson:"transcript" json:"transcript"`
	Response   string `bson:"response" json:"response"`
	ProviderID string `bson:"provider_id" json:"provider_id"`

	ProvidersTried   []string `bson:"providers_tried,omitempty" json:"providers_tried,omitempty"`
	ProcessingTimeMS int64    `bson:"processing_time_ms,omitempty" json:"processing_time_ms,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	ExpiresAt time.Time `bson:"expires_at" json:"expires_at"` // for TTL index
}
