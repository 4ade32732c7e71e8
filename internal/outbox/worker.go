package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chatbox/internal/domain"
)

const (
	defaultInterval       = 5 * time.Second
	defaultBatch          = 20
	defaultBackoffBase    = 30 * time.Second
	defaultBackoffCap     = 10 * time.Minute
	defaultAttemptTimeout = 15 * time.Second
	defaultStaleAfter     = 2 * time.Minute
)

// Transport delivers a payload to a recipient and returns the remote id
// assigned by the channel. Any error counts as a failed attempt.
type Transport interface {
	Send(ctx context.Context, recipient string, payload domain.Payload, idempotencyKey string) (string, error)
}

// WorkerConfig tunes the delivery loop. Zero values take defaults.
type WorkerConfig struct {
	Interval       time.Duration
	Batch          int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	AttemptTimeout time.Duration
	// StaleAfter is how long an entry may stay in sending before it is
	// assumed abandoned and returned to pending.
	StaleAfter time.Duration
	// MaxTries moves an entry to failed after that many attempts. Zero
	// retries forever.
	MaxTries int
	// SendRate caps transport calls per second. Zero is unlimited.
	SendRate float64
}

// Stats summarizes one worker cycle.
type Stats struct {
	Requeued int
	Claimed  int
	Sent     int
	Failed   int
	// Deferred entries were released unattempted because the send rate
	// could not reach them before the stale window closed.
	Deferred int
}

// Worker drains due outbox entries through a Transport.
type Worker struct {
	store     Store
	transport Transport
	cfg       WorkerConfig
	limiter   *rate.Limiter
	now       func() time.Time
}

func NewWorker(store Store, transport Transport, cfg WorkerConfig) (*Worker, error) {
	if store == nil {
		return nil, errors.New("outbox: store must not be nil")
	}
	if transport == nil {
		return nil, errors.New("outbox: transport must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	w := &Worker{store: store, transport: transport, cfg: cfg, now: time.Now}
	if cfg.SendRate > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), 1)
	}
	return w, nil
}

// Backoff is the delay before the next attempt after tries failures:
// linear in tries, capped.
func (w *Worker) Backoff(tries int) time.Duration {
	if tries < 1 {
		tries = 1
	}
	d := w.cfg.BackoffBase * time.Duration(tries)
	if d > w.cfg.BackoffCap || d <= 0 {
		return w.cfg.BackoffCap
	}
	return d
}

// Run polls on the configured interval until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := w.Tick(ctx); err != nil {
			slog.Error("outbox worker cycle", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one cycle: requeue abandoned entries, claim a batch of due
// entries and deliver them concurrently.
func (w *Worker) Tick(ctx context.Context) (Stats, error) {
	var st Stats
	now := w.now().UTC()

	n, err := w.store.RequeueStale(ctx, now.Add(-w.cfg.StaleAfter))
	if err != nil {
		slog.Error("outbox requeue stale", "err", err)
	} else if n > 0 {
		slog.Warn("outbox requeued abandoned entries", "count", n)
	}
	st.Requeued = n

	entries, err := w.store.ClaimDue(ctx, now, w.claimLimit())
	if err != nil {
		return st, fmt.Errorf("outbox: claim due: %w", err)
	}
	st.Claimed = len(entries)
	if len(entries) == 0 {
		return st, nil
	}

	// Rate-limit waits must end while the claims are still fresh, or an
	// overlapping cycle could requeue and resend them.
	waitCtx, cancel := context.WithTimeout(ctx, w.sendBudget())
	defer cancel()

	outcomes := make([]outcome, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			outcomes[i] = w.deliver(ctx, waitCtx, e)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		switch o {
		case outcomeSent:
			st.Sent++
		case outcomeDeferred:
			st.Deferred++
		default:
			st.Failed++
		}
	}
	return st, nil
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeSent
	outcomeDeferred
)

// sendBudget is how long after a claim an attempt may still start and
// finish inside the stale window.
func (w *Worker) sendBudget() time.Duration {
	if b := w.cfg.StaleAfter - w.cfg.AttemptTimeout; b > 0 {
		return b
	}
	return w.cfg.StaleAfter / 2
}

// claimLimit bounds a batch to what the send rate can serve within the send
// budget, so claimed entries are not left waiting on the limiter.
func (w *Worker) claimLimit() int {
	if w.limiter == nil {
		return w.cfg.Batch
	}
	n := int(w.cfg.SendRate * w.sendBudget().Seconds())
	return max(1, min(n, w.cfg.Batch))
}

func (w *Worker) deliver(ctx, waitCtx context.Context, e domain.OutboxEntry) outcome {
	if w.limiter != nil {
		if err := w.limiter.Wait(waitCtx); err != nil {
			w.release(ctx, e, err)
			return outcomeDeferred
		}
	}

	remoteID, err := w.attempt(ctx, e)
	if err == nil {
		if err := w.store.MarkSent(ctx, e.ID, remoteID, w.now().UTC()); err != nil {
			// Left in sending; the stale sweep retries it under the same key.
			slog.Error("outbox mark sent", "id", e.ID, "remote_id", remoteID, "err", err)
		}
		slog.Info("outbox delivered", "id", e.ID, "conversation", e.ConversationID, "remote_id", remoteID, "tries", e.Tries+1)
		return outcomeSent
	}

	f := Failure{Tries: e.Tries + 1, Error: err.Error()}
	if w.cfg.MaxTries > 0 && f.Tries >= w.cfg.MaxTries {
		f.Terminal = true
		slog.Error("outbox delivery failed permanently", "id", e.ID, "conversation", e.ConversationID, "tries", f.Tries, "err", err)
	} else {
		next := w.now().UTC().Add(w.Backoff(f.Tries))
		f.NextAttemptAt = &next
		slog.Warn("outbox delivery failed", "id", e.ID, "conversation", e.ConversationID, "tries", f.Tries, "next_attempt_at", next, "err", err)
	}
	if err := w.store.RecordFailure(ctx, e.ID, f); err != nil {
		slog.Error("outbox record failure", "id", e.ID, "err", err)
	}
	return outcomeFailed
}

// release returns an unattempted entry to pending, due now, without counting
// a try.
func (w *Worker) release(ctx context.Context, e domain.OutboxEntry, cause error) {
	now := w.now().UTC()
	slog.Info("outbox entry deferred by send rate", "id", e.ID, "conversation", e.ConversationID, "err", cause)
	if err := w.store.RecordFailure(ctx, e.ID, Failure{Tries: e.Tries, Error: e.Error, NextAttemptAt: &now}); err != nil {
		slog.Error("outbox release", "id", e.ID, "err", err)
	}
}

// attempt calls the transport under the per-attempt timeout. A transport
// that ignores its context still times out; a panic counts as a failure.
func (w *Worker) attempt(ctx context.Context, e domain.OutboxEntry) (string, error) {
	actx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
	defer cancel()

	type result struct {
		remoteID string
		err      error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("outbox: transport panic: %v", r)}
			}
		}()
		id, err := w.transport.Send(actx, e.Recipient, e.Payload, e.ID)
		done <- result{remoteID: id, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && r.remoteID == "" {
			return "", errors.New("outbox: transport returned no remote id")
		}
		return r.remoteID, r.err
	case <-actx.Done():
		return "", fmt.Errorf("outbox: attempt timed out: %w", actx.Err())
	}
}
