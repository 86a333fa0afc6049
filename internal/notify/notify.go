// Package notify delivers stage cascade notifications. Delivery is best-effort: callers
// wrap dispatchers in Async so a failing channel never fails the stage transition.
package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/beliaevvc/reskinlab-sub002/internal/logging"
	"github.com/beliaevvc/reskinlab-sub002/internal/metrics"
)

type Action string

const (
	Activated   Action = "activated"
	Deactivated Action = "deactivated"
)

// StageChange is one batched notification for a cascade.
type StageChange struct {
	// ID is unique per cascade; redeliveries of the same cascade share it.
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	TargetStage    string   `json:"target_stage"`
	Action         Action   `json:"action"`
	AffectedStages []string `json:"affected_stages"`
	At             string   `json:"at"`
}

// RoutingKey is the event name used by webhooks filters and AMQP routing.
func (c StageChange) RoutingKey() string {
	return "stage." + string(c.Action)
}

// Key identifies one cascade for de-duplication. Changes without an ID fall back to a
// digest of every field, so two cascades at different times never share a key.
func (c StageChange) Key() string {
	if c.ID != "" {
		return c.ID
	}
	h := sha1.New()
	h.Write([]byte(c.ProjectID + "\x00" + string(c.Action) + "\x00" + c.TargetStage + "\x00" + strings.Join(c.AffectedStages, "\x00") + "\x00" + c.At))
	return hex.EncodeToString(h.Sum(nil))
}

type Dispatcher interface {
	Dispatch(ctx context.Context, c StageChange) error
}

// Func adapts a function to Dispatcher.
type Func func(ctx context.Context, c StageChange) error

func (f Func) Dispatch(ctx context.Context, c StageChange) error { return f(ctx, c) }

// Nop drops every notification.
type Nop struct{}

func (Nop) Dispatch(context.Context, StageChange) error { return nil }

// Log writes notifications to the logger.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Dispatch(_ context.Context, c StageChange) error {
	logging.OrNop(l.Logger).Info("stage notification",
		zap.String("project_id", c.ProjectID),
		zap.String("target_stage", c.TargetStage),
		zap.String("action", string(c.Action)),
		zap.Strings("affected_stages", c.AffectedStages),
	)
	return nil
}

// Multi fans out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, c StageChange) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const defaultAsyncTimeout = 10 * time.Second

// Async runs Next in its own goroutine, detached from the caller's cancellation, and
// only logs failures.
type Async struct {
	Next    Dispatcher
	Logger  *zap.Logger
	Timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsync(next Dispatcher, logger *zap.Logger) *Async {
	return &Async{Next: next, Logger: logger, Timeout: defaultAsyncTimeout}
}

func (a *Async) Dispatch(ctx context.Context, c StageChange) error {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = defaultAsyncTimeout
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		logging.OrNop(a.Logger).Warn("stage notification dropped after shutdown",
			zap.String("project_id", c.ProjectID),
			zap.String("target_stage", c.TargetStage),
		)
		return nil
	}
	a.wg.Add(1)
	a.mu.Unlock()
	go func() {
		defer a.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := a.Next.Dispatch(dctx, c); err != nil {
			metrics.RecordBestEffortFailure("notify")
			logging.OrNop(a.Logger).Warn("stage notification failed",
				zap.String("project_id", c.ProjectID),
				zap.String("action", string(c.Action)),
				zap.String("target_stage", c.TargetStage),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (a *Async) Wait() {
	a.wg.Wait()
}

// Close stops accepting new deliveries and waits for in-flight ones.
func (a *Async) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}
