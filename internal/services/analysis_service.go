package services

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/yoockh/streamscribe/internal/models"
	mongorepo "github.com/yoockh/streamscribe/internal/repositories/mongo"
	"github.com/yoockh/streamscribe/internal/utils"
)

// AnalysisService persists completed analyses. Either store may be absent;
// at least one must be configured for Record to do anything.
type AnalysisService interface {
	Record(ctx context.Context, a *models.Analysis) error
	ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.Analysis, error)
}

type analysisService struct {
	analyses mongorepo.AnalysisRepository
	convos   ConversationService
	log      *logrus.Entry
}

func NewAnalysisService(analyses mongorepo.AnalysisRepository, convos ConversationService, log *logrus.Entry) AnalysisService {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &analysisService{analyses: analyses, convos: convos, log: log}
}

func (s *analysisService) Record(ctx context.Context, a *models.Analysis) error {
	const op = "AnalysisService.Record"

	if a == nil || a.AnalysisID == "" || a.SessionID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "analysis_id and session_id are required", nil)
	}

	var errs []error
	if s.analyses != nil {
		if err := s.analyses.Insert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	if s.convos != nil {
		if _, err := s.convos.RecordAnalysis(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return utils.E(utils.CodeInternal, op, "failed to persist analysis", errors.Join(errs...))
	}

	s.log.WithFields(logrus.Fields{"session_id": a.SessionID, "analysis_id": a.AnalysisID}).Debug("analysis persisted")
	return nil
}

func (s *analysisService) ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.Analysis, error) {
	const op = "AnalysisService.ListBySession"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if s.analyses == nil {
		return nil, utils.E(utils.CodeUnavailable, op, "analysis store is not configured", nil)
	}

	out, err := s.analyses.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list analyses", err)
	}
	return out, nil
}
