package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Inbound receives a chat message that arrived on the inbox topic.
type Inbound func(ctx context.Context, userID, text string) error

// inboxMessage is the inbox payload: {"user_id": "...", "text": "..."}.
type inboxMessage struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func decodeInbox(payload []byte) (inboxMessage, error) {
	var m inboxMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return m, err
	}
	m.UserID = strings.TrimSpace(m.UserID)
	m.Text = strings.TrimSpace(m.Text)
	if m.UserID == "" || m.Text == "" {
		return m, errors.New("inbox message needs user_id and text")
	}
	return m, nil
}

// handleInbox validates one inbox payload and hands it to the inbound
// handler on its own goroutine so the paho receive loop never blocks on
// an agent run.
func (p *Publisher) handleInbox(ctx context.Context, payload []byte) {
	if !p.inboxLimit.allow() {
		return
	}
	msg, err := decodeInbox(payload)
	if err != nil {
		p.logger.Warn("mqtt inbox message rejected", "error", err, "payload_size", len(payload))
		return
	}

	p.mu.Lock()
	inbound := p.inbound
	if inbound == nil || p.stopping {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := inbound(ctx, msg.UserID, msg.Text); err != nil {
			p.logger.Warn("mqtt inbox delivery failed", "user", msg.UserID, "error", err)
		}
	}()
}

// inboxLimiter is a token bucket refilled at perMinute/60 per second
// with a burst of perMinute. A non-positive perMinute allows everything.
type inboxLimiter struct {
	lim     *rate.Limiter
	dropped atomic.Int64
	warn    rate.Sometimes
	now     func() time.Time
	logger  *slog.Logger
}

func newInboxLimiter(perMinute int, logger *slog.Logger) *inboxLimiter {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &inboxLimiter{
		lim:    lim,
		warn:   rate.Sometimes{First: 1, Interval: time.Minute},
		now:    time.Now,
		logger: logger,
	}
}

// allow takes a token, counting and occasionally logging the drop when
// the bucket is empty.
func (l *inboxLimiter) allow() bool {
	if l.lim.AllowN(l.now(), 1) {
		return true
	}
	total := l.dropped.Add(1)
	l.warn.Do(func() {
		l.logger.Warn("mqtt inbox messages dropped by rate limit",
			"dropped_total", total,
			"per_minute", l.lim.Burst(),
		)
	})
	return false
}
