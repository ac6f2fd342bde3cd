package maintenance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mkarimi23/agentfs/storage"
)

// Default sweeper configuration values
const (
	DefaultSweepInterval = 10 * time.Minute
	DefaultSweepAge      = 24 * time.Hour
)

// SweeperConfig holds configuration for the sweeper service.
type SweeperConfig struct {
	// Interval is how often to sweep.
	// Default: 10 minutes
	Interval time.Duration

	// Age is how old a temp file or lock must be before it is removed.
	// Must comfortably exceed the heartbeat interval, or a live session's
	// lock could be swept out from under it.
	// Default: 24 hours
	Age time.Duration

	// OnSweep is called after each sweep that removed anything.
	OnSweep func(result storage.SweepResult)

	// OnError is called when a sweep fails.
	// If nil, errors are silently ignored.
	OnError func(err error)
}

// DefaultSweeperConfig returns the default sweeper configuration.
func DefaultSweeperConfig() *SweeperConfig {
	return &SweeperConfig{
		Interval: DefaultSweepInterval,
		Age:      DefaultSweepAge,
	}
}

// Sweeper periodically removes crash leftovers from a store: temp files a
// crashed writer never renamed into place, and writer locks whose holder
// died without releasing them.
type Sweeper struct {
	store  storage.Sweepable
	config *SweeperConfig

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewSweeper creates a new sweeper service.
func NewSweeper(store storage.Sweepable, config *SweeperConfig) *Sweeper {
	if config == nil {
		config = DefaultSweeperConfig()
	}

	return &Sweeper{
		store:  store,
		config: config,
		done:   make(chan struct{}),
	}
}

// Start begins the sweep loop.
// It returns immediately and runs sweeps in a goroutine.
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.done = make(chan struct{})
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)

	return nil
}

// Stop stops the sweeper and waits for the loop to exit.
func (s *Sweeper) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotStarted
	}

	s.cancel()
	<-s.done

	s.started.Store(false)
	return nil
}

// run is the main sweep loop.
func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep performs a single sweep.
func (s *Sweeper) sweep(ctx context.Context) {
	result, err := s.store.Sweep(ctx, s.config.Age)
	if err != nil {
		if s.config.OnError != nil {
			s.config.OnError(err)
		}
		return
	}
	if s.config.OnSweep != nil && (result.TempFilesRemoved > 0 || result.StaleLocksBroken > 0) {
		s.config.OnSweep(result)
	}
}

// IsRunning returns true if the sweeper service is running.
func (s *Sweeper) IsRunning() bool {
	return s.started.Load()
}
