package services

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/streamscribe/internal/models"
	"github.com/yoockh/streamscribe/internal/providers/stt"
	pgrepo "github.com/yoockh/streamscribe/internal/repositories/postgres"
	"github.com/yoockh/streamscribe/internal/storage"
	"github.com/yoockh/streamscribe/internal/utils"
)

const MaxRecordingBytes = 25 << 20

var allowedRecordingExt = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".mpeg": true, ".mp4": true, ".webm": true,
}

// RecordingService transcribes an uploaded audio file in one shot.
type RecordingService interface {
	Transcribe(ctx context.Context, in RecordingUpload) (*models.Recording, error)
}

type RecordingUpload struct {
	FileName string
	MimeType string
	Language string
	Data     []byte
}

type recordingService struct {
	stt      stt.Provider
	repo     pgrepo.RecordingRepository // optional
	uploader storage.Uploader           // optional
	log      *logrus.Entry
}

func NewRecordingService(p stt.Provider, repo pgrepo.RecordingRepository, uploader storage.Uploader, log *logrus.Entry) RecordingService {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &recordingService{stt: p, repo: repo, uploader: uploader, log: log}
}

func (s *recordingService) Transcribe(ctx context.Context, in RecordingUpload) (*models.Recording, error) {
	const op = "RecordingService.Transcribe"

	ext := strings.ToLower(filepath.Ext(in.FileName))
	if !allowedRecordingExt[ext] {
		return nil, utils.E(utils.CodeInvalidArgument, op, "unsupported file type "+ext, nil)
	}
	if len(in.Data) == 0 {
		return nil, utils.E(utils.CodeInvalidArgument, op, "file is empty", nil)
	}
	if len(in.Data) > MaxRecordingBytes {
		return nil, utils.E(utils.CodeInvalidArgument, op, "file exceeds 25MB", nil)
	}
	if s.stt == nil {
		return nil, utils.E(utils.CodeUnavailable, op, "speech recognition is not enabled", nil)
	}

	text, conf, err := s.stt.Transcribe(ctx, stt.Audio{Data: in.Data, Format: ext, Language: in.Language})
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "speech recognition failed", err)
	}

	rec := &models.Recording{
		ID:         uuid.NewString(),
		FileName:   filepath.Base(in.FileName),
		FileSize:   len(in.Data),
		MimeType:   in.MimeType,
		Text:       text,
		Confidence: conf,
		UploadAt:   time.Now().UTC(),
	}
	log := s.log.WithField("recording_id", rec.ID)

	// archiving is best effort; the transcript is the result
	if s.uploader != nil {
		path, err := s.uploader.Upload(ctx, "recordings/"+rec.ID+ext, in.MimeType, bytes.NewReader(in.Data))
		if err != nil {
			log.WithError(err).Warn("recording archive failed")
		} else {
			rec.FilePath = path
		}
	}

	if s.repo != nil {
		if err := s.repo.Insert(ctx, rec); err != nil {
			return nil, utils.E(utils.CodeInternal, op, "failed to persist recording metadata", err)
		}
	}
	return rec, nil
}
