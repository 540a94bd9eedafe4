package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/yoockh/streamscribe/internal/models"
	pgrepo "github.com/yoockh/streamscribe/internal/repositories/postgres"
	"github.com/yoockh/streamscribe/internal/utils"
	"gorm.io/datatypes"
)

// ConversationService stores each analysis as a user/assistant pair.
type ConversationService interface {
	RecordAnalysis(ctx context.Context, a *models.Analysis) ([]models.ConversationLog, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]models.ConversationLog, error)
}

type conversationService struct {
	convos pgrepo.ConversationRepo
}

func NewConversationService(convos pgrepo.ConversationRepo) ConversationService {
	return &conversationService{convos: convos}
}

type turnMetadata struct {
	ProviderID       string `json:"provider_id"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
	TranscriptChars  int    `json:"transcript_chars"`
}

func (s *conversationService) RecordAnalysis(ctx context.Context, a *models.Analysis) ([]models.ConversationLog, error) {
	const op = "ConversationService.RecordAnalysis"

	if a == nil || a.SessionID == "" || a.AnalysisID == "" || a.Transcript == "" || a.Response == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id, analysis_id, transcript, and response are required", nil)
	}

	md, err := json.Marshal(turnMetadata{
		ProviderID:       a.ProviderID,
		ProcessingTimeMS: a.ProcessingTimeMS,
		TranscriptChars:  len(a.Transcript),
	})
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to encode metadata", err)
	}

	user := &models.ConversationLog{
		ID:         uuid.NewString(),
		SessionID:  a.SessionID,
		AnalysisID: a.AnalysisID,
		Role:       models.RoleUser,
		Content:    a.Transcript,
		Timestamp:  a.CreatedAt.UTC(),
		Metadata:   datatypes.JSON(md),
	}
	assistant := &models.ConversationLog{
		ID:         uuid.NewString(),
		SessionID:  a.SessionID,
		AnalysisID: a.AnalysisID,
		Role:       models.RoleAssistant,
		Content:    a.Response,
		Providers:  pq.StringArray(a.ProvidersTried),
		Timestamp:  a.CreatedAt.Add(time.Duration(a.ProcessingTimeMS) * time.Millisecond).UTC(),
		Metadata:   datatypes.JSON(md),
	}

	if err := s.convos.InsertTurn(ctx, user, assistant); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to insert conversation turn", err)
	}
	return []models.ConversationLog{*user, *assistant}, nil
}

func (s *conversationService) ListBySession(ctx context.Context, sessionID string, limit int) ([]models.ConversationLog, error) {
	const op = "ConversationService.ListBySession"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	rows, err := s.convos.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list conversations", err)
	}
	return rows, nil
}
