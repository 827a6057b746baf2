package progress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/yihaochen/urban-growth/internal/aggregate"
	"github.com/yihaochen/urban-growth/internal/domain"
)

// Update is delivered after every poll of a session.
type Update struct {
	Report Report
	// Poll counts polls in this session, starting at 1.
	Poll int
	// First is set on the first poll that has a series to show.
	First bool
	// Changed is set when the done or expected count moved since the last poll.
	Changed bool
}

// Session is the per-query polling state.
type Session struct {
	QueryID  string
	polls    int
	shown    bool
	last     Status
	hasLast  bool
	Finished bool
}

func (s *Session) observe(r Report) Update {
	s.polls++
	u := Update{Report: r, Poll: s.polls}
	if r.Series != nil && !s.shown {
		s.shown = true
		u.First = true
	}
	u.Changed = !s.hasLast || s.last != r.Status
	s.last, s.hasLast = r.Status, true
	s.Finished = r.IsComplete
	return u
}

// Poller polls one query at a fixed interval.
type Poller struct {
	tracker  *Tracker
	clock    clockwork.Clock
	interval time.Duration
	opts     aggregate.Options
	logger   *slog.Logger
}

// NewPoller creates a Poller. A nil clock uses real time.
func NewPoller(tracker *Tracker, clock clockwork.Clock, interval time.Duration, opts aggregate.Options, logger *slog.Logger) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{tracker: tracker, clock: clock, interval: interval, opts: opts, logger: logger}
}

// Watch polls queryID immediately and then every interval until the query is
// complete, calling onUpdate after each poll. It returns the last report, or
// ctx's error when cancelled first. An unknown query fails at once; other
// read errors are logged and the next tick tries again.
func (p *Poller) Watch(ctx context.Context, queryID string, onUpdate func(Update)) (Report, error) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	sess := &Session{QueryID: queryID}
	var last Report
	for {
		r, err := p.tracker.Report(ctx, queryID, p.opts)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return Report{}, err
		case err != nil:
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			p.logger.Warn("poll failed", "query_id", queryID, "error", err)
		default:
			last = r
			u := sess.observe(r)
			if onUpdate != nil {
				onUpdate(u)
			}
			if sess.Finished {
				return r, nil
			}
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// Result is the outcome of a watched session.
type Result struct {
	QueryID string
	Report  Report
	Err     error
}

// Watcher runs at most one poll session at a time. Starting a session for a
// new query cancels the previous one.
type Watcher struct {
	poller *Poller

	mu      sync.Mutex
	current string
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a Watcher.
func NewWatcher(poller *Poller) *Watcher {
	return &Watcher{poller: poller}
}

// Start cancels any running session, waits for it to exit, and begins
// watching queryID. The returned channel yields one Result.
func (w *Watcher) Start(ctx context.Context, queryID string, onUpdate func(Update)) <-chan Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()

	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	out := make(chan Result, 1)
	w.current, w.cancel, w.done = queryID, cancel, done

	go func() {
		r, err := w.poller.Watch(sctx, queryID, onUpdate)
		close(done)
		out <- Result{QueryID: queryID, Report: r, Err: err}
	}()
	return out
}

// Stop cancels the running session, if any, and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

// Current returns the query being watched, or "" when idle.
func (w *Watcher) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		return ""
	}
	select {
	case <-w.done:
		return ""
	default:
		return w.current
	}
}

func (w *Watcher) stopLocked() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.current, w.cancel, w.done = "", nil, nil
}
