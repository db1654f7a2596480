package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// DefaultConnectRetryInterval is the fixed delay between connection
// attempts. Connecting retries indefinitely.
const DefaultConnectRetryInterval = 10 * time.Second

// ConnectFunc establishes a remote session and returns the handle of the
// configured remote root folder.
type ConnectFunc func(ctx context.Context) (RemoteFolder, error)

// LoopConfig holds the options for NewLoop.
type LoopConfig struct {
	FolderName string      // canonical name of the synced folder, for logs
	Connect    ConnectFunc // required
	Reconciler *Reconciler // required

	// RetryInterval is the delay between connect attempts.
	// Zero means DefaultConnectRetryInterval.
	RetryInterval time.Duration

	// PollInterval triggers a pass on a timer. Zero disables polling;
	// passes then run only on explicit triggers (watcher, CLI).
	PollInterval time.Duration

	// Retryable classifies connect errors. Only errors it accepts are
	// retried; others abort the pass. Nil retries everything, matching
	// the historical retry-forever behavior.
	Retryable func(error) bool

	Logger *slog.Logger
}

// Loop is the per-folder scheduling shell around the Reconciler: it ensures
// a live remote session (retrying on failure), collapses redundant triggers,
// and guarantees at most one concurrent pass per folder. Different folders
// run independent Loops with no shared state.
type Loop struct {
	cfg    LoopConfig
	logger *slog.Logger

	// syncing is the single-flight guard: at most one pass at a time.
	syncing atomic.Bool

	// triggers has capacity 1; additional triggers collapse into the
	// pending one.
	triggers chan struct{}

	// root caches the connected session across passes.
	root RemoteFolder
}

// NewLoop creates a Loop for one configured folder.
func NewLoop(cfg LoopConfig) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConnectRetryInterval
	}

	return &Loop{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "sync"), slog.String("folder", cfg.FolderName)),
		triggers: make(chan struct{}, 1),
	}
}

// Trigger requests a sync pass. Non-blocking; triggers arriving while one
// is already pending collapse into it.
func (l *Loop) Trigger() {
	select {
	case l.triggers <- struct{}{}:
	default:
	}
}

// Syncing reports whether a pass is currently running.
func (l *Loop) Syncing() bool {
	return l.syncing.Load()
}

// SyncInBackground starts a pass on its own goroutine and returns
// immediately. If a pass is already running this is a no-op. The guard is
// cleared when the pass finishes regardless of outcome.
func (l *Loop) SyncInBackground(ctx context.Context) {
	if !l.syncing.CompareAndSwap(false, true) {
		l.logger.Debug("sync already in progress, ignoring trigger")
		return
	}

	go func() {
		defer l.syncing.Store(false)

		if err := l.syncOnce(ctx); err != nil {
			l.logger.Error("sync pass failed", "error", err)
		}
	}()
}

// Run processes triggers until ctx is done. Passes run sequentially on the
// caller's goroutine; the single-flight guard is held across each so
// SyncInBackground callers see the loop as busy.
func (l *Loop) Run(ctx context.Context) error {
	if l.cfg.PollInterval > 0 {
		ticker := time.NewTicker(l.cfg.PollInterval)
		defer ticker.Stop()

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					l.Trigger()
				}
			}
		}()
	}

	// Initial pass on startup.
	l.Trigger()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.triggers:
			if !l.syncing.CompareAndSwap(false, true) {
				continue
			}

			err := l.syncOnce(ctx)

			l.syncing.Store(false)

			switch {
			case err == nil:
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return nil
			default:
				l.logger.Error("sync pass failed, awaiting next trigger", "error", err)
			}
		}
	}
}

// SyncOnce runs a single pass synchronously, connecting first if needed.
// Used by the one-shot CLI path. Honors the single-flight guard.
func (l *Loop) SyncOnce(ctx context.Context) error {
	if !l.syncing.CompareAndSwap(false, true) {
		l.logger.Info("sync already in progress, skipping")
		return nil
	}
	defer l.syncing.Store(false)

	return l.syncOnce(ctx)
}

// syncOnce ensures a session and runs the reconciler. The session is cached
// for reuse across passes and dropped when a pass fails, so the next pass
// reconnects from scratch.
func (l *Loop) syncOnce(ctx context.Context) error {
	root, err := l.ensureConnected(ctx)
	if err != nil {
		return err
	}

	passID := uuid.NewString()
	start := time.Now()

	l.logger.Info("sync pass starting", "pass_id", passID)

	if err := l.cfg.Reconciler.Sync(ctx, root); err != nil {
		l.root = nil
		return fmt.Errorf("pass %s: %w", passID, err)
	}

	l.logger.Info("sync pass complete", "pass_id", passID,
		slog.Duration("duration", time.Since(start)))

	return nil
}

// ensureConnected returns the cached session or establishes a new one,
// retrying at a fixed interval for as long as the error is classified
// retryable.
func (l *Loop) ensureConnected(ctx context.Context) (RemoteFolder, error) {
	if l.root != nil {
		return l.root, nil
	}

	backoff := retry.NewConstant(l.cfg.RetryInterval)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		root, connectErr := l.cfg.Connect(ctx)
		if connectErr != nil {
			if l.cfg.Retryable != nil && !l.cfg.Retryable(connectErr) {
				return connectErr
			}

			l.logger.Warn("cannot connect, retrying",
				"error", connectErr, slog.Duration("retry_in", l.cfg.RetryInterval))

			return retry.RetryableError(connectErr)
		}

		l.root = root

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sync: connecting: %w", err)
	}

	l.logger.Info("connected to repository")

	return l.root, nil
}
