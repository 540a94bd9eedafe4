package services

import (
	"context"
	"errors"
	"time"

	"github.com/yoockh/streamscribe/internal/models"
	mongorepo "github.com/yoockh/streamscribe/internal/repositories/mongo"
	"github.com/yoockh/streamscribe/internal/utils"
)

// SessionService keeps the audit trail of caller streams. Live session
// state belongs to the upstream manager, not to this record.
type SessionService interface {
	Start(ctx context.Context, sessionID, remoteIP string) (*models.StreamSession, error)
	Get(ctx context.Context, sessionID string) (*models.StreamSession, error)
	End(ctx context.Context, sessionID string) (*models.StreamSession, error)
}

type sessionService struct {
	sessions mongorepo.SessionRepository
	now      func() time.Time
}

func NewSessionService(sessions mongorepo.SessionRepository) SessionService {
	return &sessionService{sessions: sessions, now: time.Now}
}

func (s *sessionService) Start(ctx context.Context, sessionID, remoteIP string) (*models.StreamSession, error) {
	const op = "SessionService.Start"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	session := &models.StreamSession{
		SessionID: sessionID,
		Status:    string(models.SessionActive),
		RemoteIP:  remoteIP,
		CreatedAt: s.now().UTC(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to create session", err)
	}
	return session, nil
}

func (s *sessionService) Get(ctx context.Context, sessionID string) (*models.StreamSession, error) {
	const op = "SessionService.Get"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}

	out, err := s.sessions.GetBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get session", err)
	}
	return out, nil
}

func (s *sessionService) End(ctx context.Context, sessionID string) (*models.StreamSession, error) {
	const op = "SessionService.End"

	ss, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ss.Status == string(models.SessionEnded) {
		return ss, nil
	}

	now := s.now().UTC()
	dur := int64(now.Sub(ss.CreatedAt).Seconds())
	if dur < 0 {
		dur = 0
	}

	if err := s.sessions.End(ctx, sessionID, now, dur); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to end session", err)
	}

	ss.Status = string(models.SessionEnded)
	ss.EndedAt = &now
	ss.DurationSeconds = dur
	return ss, nil
}
