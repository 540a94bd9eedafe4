package services

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yoockh/streamscribe/internal/models"
	"github.com/yoockh/streamscribe/internal/utils"
)

// DefaultLookback is the fallback window used by TextSince when the strict
// window is empty.
const DefaultLookback = 30 * time.Second

// TranscriptBuffer is the per-session, append-only fragment store that the
// upstream manager writes into and the transcription service reads from.
type TranscriptBuffer interface {
	Append(sessionID string, f models.Fragment) error
	FullText(sessionID string) string
	TextSince(sessionID string, sinceMS int64, lookback time.Duration) string
	ReadAll(sessionID string) (string, ReadMark)
	ReadSince(sessionID string, sinceMS int64, lookback time.Duration) (string, ReadMark)
	Snapshot(sessionID string) (*models.Transcription, error)
	Clear(sessionID string)
	ClearThrough(sessionID string, mark ReadMark)
	Remove(sessionID string) bool
	ActiveSessions() []string
	LatestSession() (string, bool)
}

// ReadMark records how far a read reached into a session's fragments. Only
// ClearThrough interprets it.
type ReadMark struct {
	gen uint64
	end int
}

type bucket struct {
	gen       uint64
	createdAt time.Time
	updatedAt time.Time
	fragments []models.Fragment
	dropped   int // fragments cleared from the front so far
}

func (bk *bucket) mark() ReadMark {
	return ReadMark{gen: bk.gen, end: bk.dropped + len(bk.fragments)}
}

type transcriptBuffer struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	gens    uint64
	now     func() time.Time
}

func NewTranscriptBuffer() TranscriptBuffer {
	return newTranscriptBuffer(time.Now)
}

func newTranscriptBuffer(now func() time.Time) *transcriptBuffer {
	return &transcriptBuffer{buckets: make(map[string]*bucket), now: now}
}

func (b *transcriptBuffer) Append(sessionID string, f models.Fragment) error {
	const op = "TranscriptBuffer.Append"

	f.Text = strings.TrimSpace(f.Text)
	if sessionID == "" || f.Text == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id and non-empty text are required", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	bk, ok := b.buckets[sessionID]
	if !ok {
		b.gens++
		bk = &bucket{gen: b.gens, createdAt: now}
		b.buckets[sessionID] = bk
	}
	if f.ReceivedAt == 0 {
		f.ReceivedAt = now.UnixMilli()
	}
	// receipt order is the stored order; never let a late clock step reorder it
	if n := len(bk.fragments); n > 0 && f.ReceivedAt < bk.fragments[n-1].ReceivedAt {
		f.ReceivedAt = bk.fragments[n-1].ReceivedAt
	}
	bk.fragments = append(bk.fragments, f)
	bk.updatedAt = now
	return nil
}

func (b *transcriptBuffer) FullText(sessionID string) string {
	text, _ := b.ReadAll(sessionID)
	return text
}

func (b *transcriptBuffer) TextSince(sessionID string, sinceMS int64, lookback time.Duration) string {
	text, _ := b.ReadSince(sessionID, sinceMS, lookback)
	return text
}

// ReadAll is FullText plus a mark covering every fragment it joined.
func (b *transcriptBuffer) ReadAll(sessionID string) (string, ReadMark) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bk, ok := b.buckets[sessionID]
	if !ok {
		return "", ReadMark{}
	}
	return joinFragments(bk.fragments), bk.mark()
}

// ReadSince returns the text received at or after sinceMS. When that window
// is empty it falls back to the most recent fragment no older than
// sinceMS-lookback, so a pause right after a question does not lose the
// answer that preceded the cutoff. The mark covers everything up to the
// newest fragment read, older fragments included.
func (b *transcriptBuffer) ReadSince(sessionID string, sinceMS int64, lookback time.Duration) (string, ReadMark) {
	if lookback <= 0 {
		lookback = DefaultLookback
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	bk, ok := b.buckets[sessionID]
	if !ok || len(bk.fragments) == 0 {
		return "", ReadMark{}
	}
	frags := bk.fragments

	start := -1
	for i := len(frags) - 1; i >= 0; i-- {
		if frags[i].ReceivedAt < sinceMS {
			break
		}
		start = i
	}
	if start >= 0 {
		return joinFragments(frags[start:]), bk.mark()
	}

	// every fragment is older than sinceMS here, so the most recent one is
	// the last; it qualifies only if it is inside the lookback window
	last := len(frags) - 1
	if frags[last].ReceivedAt >= sinceMS-lookback.Milliseconds() {
		return joinFragments(frags[last:]), bk.mark()
	}
	return "", ReadMark{}
}

func (b *transcriptBuffer) Snapshot(sessionID string) (*models.Transcription, error) {
	const op = "TranscriptBuffer.Snapshot"

	b.mu.RLock()
	defer b.mu.RUnlock()

	bk, ok := b.buckets[sessionID]
	if !ok {
		return nil, utils.E(utils.CodeNotFound, op, "session not found", utils.ErrNotFound)
	}
	chunks := make([]models.Fragment, len(bk.fragments))
	copy(chunks, bk.fragments)
	return &models.Transcription{
		SessionID: sessionID,
		FullText:  joinFragments(bk.fragments),
		Chunks:    chunks,
		CreatedAt: bk.createdAt,
		UpdatedAt: bk.updatedAt,
	}, nil
}

// Clear drops the fragments but keeps the bucket and its creation time, so
// the caller can keep streaming into the same session.
func (b *transcriptBuffer) Clear(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bk, ok := b.buckets[sessionID]; ok {
		bk.dropped += len(bk.fragments)
		bk.fragments = nil
		bk.updatedAt = b.now()
	}
}

// ClearThrough drops the fragments covered by mark and keeps anything that
// arrived after the read. A mark from a removed and recreated session, or
// an empty mark, clears nothing.
func (b *transcriptBuffer) ClearThrough(sessionID string, mark ReadMark) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bk, ok := b.buckets[sessionID]
	if !ok || mark.gen == 0 || bk.gen != mark.gen {
		return
	}
	n := mark.end - bk.dropped
	if n <= 0 {
		return
	}
	if n > len(bk.fragments) {
		n = len(bk.fragments)
	}
	bk.fragments = append([]models.Fragment(nil), bk.fragments[n:]...)
	bk.dropped += n
	bk.updatedAt = b.now()
}

func (b *transcriptBuffer) Remove(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.buckets[sessionID]; !ok {
		return false
	}
	delete(b.buckets, sessionID)
	return true
}

func (b *transcriptBuffer) ActiveSessions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.buckets))
	for id, bk := range b.buckets {
		if len(bk.fragments) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// LatestSession is the most recently updated session with a non-empty
// transcript.
func (b *transcriptBuffer) LatestSession() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var (
		latestID string
		latestAt time.Time
	)
	for id, bk := range b.buckets {
		if len(bk.fragments) == 0 {
			continue
		}
		if latestID == "" || bk.updatedAt.After(latestAt) {
			latestID, latestAt = id, bk.updatedAt
		}
	}
	return latestID, latestID != ""
}

func joinFragments(frags []models.Fragment) string {
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		if f.Text != "" {
			parts = append(parts, f.Text)
		}
	}
	return strings.Join(parts, " ")
}
