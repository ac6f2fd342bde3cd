// Package maintenance provides background services for long-lived
// processes holding sessions open.
//
// This package includes:
//   - Heartbeat service: keeps an open session's writer lock fresh
//   - Sweeper service: removes crash leftovers (temp files, stale locks)
package maintenance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mkarimi23/agentfs/storage"
)

// Default heartbeat configuration values
const (
	DefaultHeartbeatInterval = 30 * time.Second
)

// HeartbeatConfig holds configuration for the heartbeat service.
type HeartbeatConfig struct {
	// Interval is how often to refresh the lock.
	// Default: 30 seconds
	Interval time.Duration

	// OnError is called when a refresh fails.
	// If nil, errors are silently ignored.
	OnError func(err error)
}

// DefaultHeartbeatConfig returns the default heartbeat configuration.
func DefaultHeartbeatConfig() *HeartbeatConfig {
	return &HeartbeatConfig{
		Interval: DefaultHeartbeatInterval,
	}
}

// Heartbeat periodically refreshes a session's writer lock so a
// long-running holder is never mistaken for an abandoned one. Run one per
// open session whenever the process may outlive the store's staleness
// window.
type Heartbeat struct {
	refresher storage.LockRefresher
	sessionID string
	config    *HeartbeatConfig

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewHeartbeat creates a new heartbeat service for one session.
func NewHeartbeat(refresher storage.LockRefresher, sessionID string, config *HeartbeatConfig) *Heartbeat {
	if config == nil {
		config = DefaultHeartbeatConfig()
	}

	return &Heartbeat{
		refresher: refresher,
		sessionID: sessionID,
		config:    config,
		done:      make(chan struct{}),
	}
}

// Start begins refreshing the lock.
// It returns immediately and runs the refresh loop in a goroutine.
func (h *Heartbeat) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	h.done = make(chan struct{})
	ctx, h.cancel = context.WithCancel(ctx)
	go h.run(ctx)

	return nil
}

// Stop stops the heartbeat and waits for the loop to exit.
func (h *Heartbeat) Stop(ctx context.Context) error {
	if !h.started.Load() {
		return ErrNotStarted
	}

	h.cancel()
	<-h.done

	h.started.Store(false)
	return nil
}

// run is the main refresh loop.
func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)

	// Refresh immediately so the window starts from Start, not Interval.
	h.refresh(ctx)

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.refresh(ctx)
		}
	}
}

func (h *Heartbeat) refresh(ctx context.Context) {
	err := h.refresher.RefreshLock(ctx, h.sessionID)
	if err != nil && h.config.OnError != nil {
		h.config.OnError(err)
	}
}

// IsRunning returns true if the heartbeat service is running.
func (h *Heartbeat) IsRunning() bool {
	return h.started.Load()
}
