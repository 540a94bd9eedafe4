package workers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/streamscribe/internal/models"
	"github.com/yoockh/streamscribe/internal/services"
)

// AnalysisWorkerPool drains the analysis stream through a consumer group and
// persists each analysis. A message is acknowledged whether or not storing
// it succeeded; failures are logged.
type AnalysisWorkerPool struct {
	Redis      *redis.Client
	Analyses   services.AnalysisService
	NumWorkers int

	Logger *logrus.Entry

	Stream         string
	Group          string
	ConsumerPrefix string
}

func (p *AnalysisWorkerPool) Start(ctx context.Context) error {
	if p.Redis == nil || p.Analyses == nil {
		return errors.New("AnalysisWorkerPool missing dependency: Redis/Analyses must be set")
	}
	if p.Stream == "" {
		p.Stream = DefaultAnalysisStream
	}
	if p.Group == "" {
		p.Group = DefaultAnalysisGroup
	}
	if p.ConsumerPrefix == "" {
		p.ConsumerPrefix = "c"
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 2
	}
	if p.Logger == nil {
		p.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	_ = p.Redis.XGroupCreateMkStream(ctx, p.Stream, p.Group, "0").Err() // ignore BUSYGROUP

	for i := 0; i < p.NumWorkers; i++ {
		consumer := p.ConsumerPrefix + "-" + strconv.Itoa(i+1)
		go p.runConsumer(ctx, consumer)
	}
	p.Logger.WithFields(logrus.Fields{"stream": p.Stream, "workers": p.NumWorkers}).Info("analysis workers started")
	return nil
}

func (p *AnalysisWorkerPool) runConsumer(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := p.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.Group,
			Consumer: consumer,
			Streams:  []string{p.Stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			p.Logger.WithError(err).Warn("analysis stream read failed")
			if !sleepCtx(ctx, readRetryDelay) {
				return
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				p.handleMsg(ctx, msg)
				_ = p.Redis.XAck(ctx, p.Stream, p.Group, msg.ID).Err()
			}
		}
	}
}

const readRetryDelay = 500 * time.Millisecond

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *AnalysisWorkerPool) handleMsg(ctx context.Context, msg redis.XMessage) {
	log := p.Logger.WithField("redis_id", msg.ID)

	raw, _ := msg.Values["payload"].(string)
	if raw == "" {
		log.Warn("analysis message without payload")
		return
	}

	var a models.Analysis
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		log.WithError(err).Warn("analysis payload decode failed")
		return
	}
	log = log.WithFields(logrus.Fields{"session_id": a.SessionID, "analysis_id": a.AnalysisID})

	if err := p.Analyses.Record(ctx, &a); err != nil {
		log.WithError(err).Error("analysis persist failed")
		return
	}
	log.Debug("analysis persisted")
}
