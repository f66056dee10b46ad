package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"dcagate/internal/confirm"
	"dcagate/internal/gateway/notifier"
	"dcagate/internal/logger"
	"dcagate/internal/metrics"
	"dcagate/internal/store"

	"github.com/cenkalti/backoff/v4"
)

// PollerConfig 控制 getUpdates 长轮询节奏。
type PollerConfig struct {
	PollTimeout  time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
	Metrics      *metrics.Metrics
}

// Poller 是拉取通道：游标只在整批事件都应用成功后才前进。
type Poller struct {
	source  notifier.UpdateSource
	handler *Handler
	cfg     PollerConfig
	cursor  atomic.Int64
}

func NewPoller(source notifier.UpdateSource, handler *Handler, cfg PollerConfig) *Poller {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 5 * time.Second
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	return &Poller{source: source, handler: handler, cfg: cfg}
}

// Cursor 返回最后一个已应用的 update_id。
func (p *Poller) Cursor() int64 {
	return p.cursor.Load()
}

// Run 循环拉取直到 ctx 结束；失败按指数退避重试，成功后重置。
func (p *Poller) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryInitial
	b.MaxInterval = p.cfg.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()

	logger.Infof("[poll] started (timeout=%s)", p.cfg.PollTimeout)
	for {
		if ctx.Err() != nil {
			logger.Infof("[poll] stopped at cursor %d", p.Cursor())
			return nil
		}
		_, err := p.pollSafely(ctx)
		if err == nil {
			b.Reset()
			continue
		}
		if ctx.Err() != nil {
			continue
		}
		wait := b.NextBackOff()
		logger.Warnf("[poll] %v; retrying in %s", err, wait.Round(time.Millisecond))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (p *Poller) pollSafely(ctx context.Context) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[poll] panic: %v", r)
			err = fmt.Errorf("poll panic: %v", r)
		}
	}()
	return p.PollOnce(ctx)
}

// PollOnce 拉取并应用一批更新，返回处理的回调数。
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	offset := int64(0)
	if cur := p.Cursor(); cur > 0 {
		offset = cur + 1
	}
	updates, err := p.source.GetUpdates(ctx, offset, p.cfg.PollTimeout)
	if err != nil {
		return 0, fmt.Errorf("getUpdates: %w", err)
	}
	maxID := p.Cursor()
	handled := 0
	for _, upd := range updates {
		if upd.UpdateID > maxID {
			maxID = upd.UpdateID
		}
		if upd.QueryID == "" || upd.Data == "" {
			continue
		}
		_, err := p.handler.Handle(ctx, Event{
			Source:    SourcePoll,
			UpdateID:  upd.UpdateID,
			QueryID:   upd.QueryID,
			SenderID:  upd.SenderID,
			Data:      upd.Data,
			ChatID:    upd.ChatID,
			MessageID: upd.MessageID,
		})
		switch {
		case err == nil, errors.Is(err, confirm.ErrMalformedCallback):
			handled++
		case store.IsFault(err):
			return handled, fmt.Errorf("apply update %d: %w", upd.UpdateID, err)
		default:
			return handled, err
		}
	}
	if maxID > p.Cursor() {
		p.cursor.Store(maxID)
		p.cfg.Metrics.SetPollCursor(maxID)
	}
	return handled, nil
}
