package ws

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/remote-agent-terminal/workspace/internal/model"
)

// WatchState is the state of the hub's workspace watch.
type WatchState string

const (
	WatchDisabled WatchState = "disabled"
	WatchStarting WatchState = "starting"
	WatchWatching WatchState = "watching"
	WatchRetrying WatchState = "retrying"
	WatchFailed   WatchState = "failed"
)

const (
	// DefaultWatchRetries is how many consecutive failed attempts are
	// made to re-establish the watch before giving up.
	DefaultWatchRetries = 5

	// DefaultWatchBackoff is the delay before the first retry. It doubles
	// with each consecutive failure up to DefaultWatchMaxBackoff.
	DefaultWatchBackoff    = 250 * time.Millisecond
	DefaultWatchMaxBackoff = 10 * time.Second
)

// ChangeStream is a running watch.
type ChangeStream interface {
	Events() <-chan model.ChangeEvent
	Err() error
	Close() error
}

// WatchFunc establishes a watch on the workspace.
type WatchFunc func(ctx context.Context) (ChangeStream, error)

type watchResult struct {
	stream ChangeStream
	err    error
}

// watchSupervisor keeps a watch running. It is owned by the hub loop:
// only establishment runs on another goroutine.
type watchSupervisor struct {
	fn         WatchFunc
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration

	state    WatchState
	lastErr  error
	stream   ChangeStream
	failures int

	timer   *time.Timer
	results chan watchResult
}

func newWatchSupervisor(fn WatchFunc, maxRetries int, backoff, maxBackoff time.Duration) *watchSupervisor {
	if maxRetries <= 0 {
		maxRetries = DefaultWatchRetries
	}
	if backoff <= 0 {
		backoff = DefaultWatchBackoff
	}
	if maxBackoff < backoff {
		maxBackoff = DefaultWatchMaxBackoff
		if maxBackoff < backoff {
			maxBackoff = backoff
		}
	}

	w := &watchSupervisor{
		fn:         fn,
		maxRetries: maxRetries,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		state:      WatchDisabled,
		results:    make(chan watchResult, 1),
	}
	if fn != nil {
		w.state = WatchStarting
	}
	return w
}

// events returns the current stream's channel, or nil.
func (w *watchSupervisor) events() <-chan model.ChangeEvent {
	if w.stream == nil {
		return nil
	}
	return w.stream.Events()
}

// retry returns the pending retry timer's channel, or nil.
func (w *watchSupervisor) retry() <-chan time.Time {
	if w.timer == nil {
		return nil
	}
	return w.timer.C
}

// establish starts one attempt in the background.
func (w *watchSupervisor) establish(ctx context.Context) {
	if w.fn == nil {
		return
	}
	w.timer = nil
	go func() {
		stream, err := w.fn(ctx)
		select {
		case w.results <- watchResult{stream: stream, err: err}:
		case <-ctx.Done():
			if stream != nil {
				stream.Close()
			}
		}
	}()
}

// established records a successful attempt and returns the state it
// replaced.
func (w *watchSupervisor) established(stream ChangeStream) WatchState {
	prev := w.state
	w.stream = stream
	w.failures = 0
	w.lastErr = nil
	w.state = WatchWatching
	log.Info().Str("previous", string(prev)).Msg("Workspace watch established")
	return prev
}

// failed records a lost watch or a failed attempt and schedules the next
// attempt. It returns false once the retry budget is exhausted.
func (w *watchSupervisor) failed(err error) bool {
	if err == nil {
		err = model.ErrWatch
	} else if !errors.Is(err, model.ErrWatch) {
		err = errors.Join(model.ErrWatch, err)
	}

	if w.stream != nil {
		w.stream.Close()
		w.stream = nil
	}
	w.lastErr = err
	w.failures++

	if w.failures > w.maxRetries {
		w.state = WatchFailed
		log.Error().Err(err).Int("attempts", w.failures).Msg("Workspace watch failed permanently")
		return false
	}

	delay := w.delay()
	w.state = WatchRetrying
	w.timer = time.NewTimer(delay)
	log.Warn().Err(err).Int("attempt", w.failures).Dur("retry_in", delay).Msg("Workspace watch lost, retrying")
	return true
}

// delay is the backoff before the next attempt: backoff doubled per
// consecutive failure, capped at maxBackoff.
func (w *watchSupervisor) delay() time.Duration {
	d := w.backoff
	for i := 1; i < w.failures; i++ {
		d *= 2
		if d >= w.maxBackoff {
			return w.maxBackoff
		}
	}
	return d
}

func (w *watchSupervisor) stop() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.stream != nil {
		w.stream.Close()
		w.stream = nil
	}
}
