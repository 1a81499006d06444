package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inkwell-notes/session-service/internal/repository"
)

type activityEvent struct {
	userID uint
	at     time.Time
}

// ActivityRecorder stamps users.last_active_at off the request path. Record
// never blocks: when the buffer is full the event is dropped, which only
// costs timestamp freshness.
type ActivityRecorder struct {
	users     repository.UserRepository
	logger    *slog.Logger
	timeout   time.Duration
	ch        chan activityEvent
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewActivityRecorder(users repository.UserRepository, logger *slog.Logger, bufferSize int, timeout time.Duration) *ActivityRecorder {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &ActivityRecorder{
		users:   users,
		logger:  logger,
		timeout: timeout,
		ch:      make(chan activityEvent, bufferSize),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *ActivityRecorder) run() {
	defer r.wg.Done()
	for {
		select {
		case event := <-r.ch:
			r.apply(event)
		case <-r.done:
			for {
				select {
				case event := <-r.ch:
					r.apply(event)
				default:
					return
				}
			}
		}
	}
}

func (r *ActivityRecorder) apply(event activityEvent) {
	ctx := context.Background()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := r.users.UpdateLastActive(ctx, event.userID, event.at); err != nil {
		r.logger.Warn("failed to stamp user activity", "user_id", event.userID, "error", err)
	}
}

// Record enqueues an activity stamp for the user. Safe to call on a nil
// recorder.
func (r *ActivityRecorder) Record(userID uint, at time.Time) {
	if r == nil || r.closed.Load() {
		return
	}
	select {
	case r.ch <- activityEvent{userID: userID, at: at}:
	case <-r.done:
	default:
		r.dropped.Add(1)
	}
}

// Close drains queued events and stops the worker.
func (r *ActivityRecorder) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.done)
		r.wg.Wait()
	})
}

func (r *ActivityRecorder) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}
