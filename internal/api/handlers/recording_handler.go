package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/streamscribe/internal/services"
	"github.com/yoockh/streamscribe/internal/utils"
)

type RecordingHandler struct {
	svc services.RecordingService
}

func NewRecordingHandler(svc services.RecordingService) *RecordingHandler {
	return &RecordingHandler{svc: svc}
}

type TranscribeResponse struct {
	Success    bool    `json:"success"`
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	FileName   string  `json:"filename"`
	FilePath   string  `json:"file_path,omitempty"`
}

func (h *RecordingHandler) Transcribe(c *gin.Context) {
	const op = "RecordingHandler.Transcribe"

	// headroom for the multipart envelope around the file
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, services.MaxRecordingBytes+1<<20)

	fh, err := c.FormFile("file")
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "file is required (max 25MB)", err))
		return
	}
	if fh.Size > services.MaxRecordingBytes {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "file exceeds 25MB", nil))
		return
	}

	f, err := fh.Open()
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "failed to read file", err))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, services.MaxRecordingBytes+1))
	if err != nil {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "failed to read file", err))
		return
	}

	rec, err := h.svc.Transcribe(c.Request.Context(), services.RecordingUpload{
		FileName: fh.Filename,
		MimeType: fh.Header.Get("Content-Type"),
		Language: c.PostForm("language"),
		Data:     data,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, TranscribeResponse{
		Success:    true,
		ID:         rec.ID,
		Text:       rec.Text,
		Confidence: rec.Confidence,
		FileName:   rec.FileName,
		FilePath:   rec.FilePath,
	})
}
