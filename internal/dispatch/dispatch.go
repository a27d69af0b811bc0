// Package dispatch relays completed transactions through a mail API
// backend with bounded retries.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/shineum/smtp-graph-relay/internal/email"
	"github.com/shineum/smtp-graph-relay/internal/parser"
	"github.com/shineum/smtp-graph-relay/internal/provider"
	"github.com/shineum/smtp-graph-relay/internal/relay"
)

var (
	metricAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtprelay_dispatch_attempts_total",
			Help: "Send attempts by result: ok, transient, permanent.",
		},
		[]string{"result"},
	)
	metricOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtprelay_dispatch_outcomes_total",
			Help: "Dispatched transactions by outcome: delivered, rejected, tempfail.",
		},
		[]string{"outcome"},
	)
	metricDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smtprelay_dispatch_duration_seconds",
			Help:    "Time from claim to outcome, including retries.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
	metricInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtprelay_dispatch_inflight",
			Help: "Transactions currently being dispatched.",
		},
	)
)

// Policy bounds retries and concurrency.
type Policy struct {
	// MaxAttempts is the total number of send attempts per transaction,
	// including the first.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt. It doubles
	// after every further failure, up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// AttemptTimeout bounds a single send attempt.
	AttemptTimeout time.Duration

	// MaxConcurrent bounds sends in flight across all sessions.
	MaxConcurrent int64
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		AttemptTimeout: 60 * time.Second,
		MaxConcurrent:  16,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = max(def.MaxDelay, p.BaseDelay)
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = def.AttemptTimeout
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = def.MaxConcurrent
	}
	return p
}

// Delay returns the wait before the attempt following failed attempt
// number n (1-based). A positive retryAfter from the backend replaces the
// computed delay; both are capped by MaxDelay.
func (p Policy) Delay(n int, retryAfter time.Duration) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < n && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if retryAfter > 0 {
		delay = retryAfter
	}
	return min(delay, p.MaxDelay)
}

// Dispatcher sends claimed transactions through a Provider as the
// validated relay identity. It is shared by all sessions.
type Dispatcher struct {
	provider provider.Provider
	identity relay.Identity
	policy   Policy
	sem      *semaphore.Weighted

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Dispatcher. The identity must already be validated.
func New(p provider.Provider, identity relay.Identity, policy Policy) *Dispatcher {
	policy = policy.withDefaults()
	return &Dispatcher{
		provider: p,
		identity: identity,
		policy:   policy,
		sem:      semaphore.NewWeighted(policy.MaxConcurrent),
		sleep:    sleepWithContext,
	}
}

// Identity returns the identity transactions are sent as.
func (d *Dispatcher) Identity() relay.Identity {
	return d.identity
}

// Dispatch claims tx, sends it with retries and moves it to its terminal
// state. Attempts are sequential and a transaction is dispatched at most
// once.
//
// Cancelling ctx stops further attempts: an attempt already running is
// allowed to finish within AttemptTimeout, no retry is started after it,
// and the outcome is OutcomeTempFailed unless that attempt succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context, tx *relay.Transaction) relay.Result {
	if err := tx.Claim(); err != nil {
		return relay.Result{Outcome: relay.OutcomeRejected, Err: err}
	}

	log := slog.With("session", tx.SessionID, "tx", tx.ID)
	start := time.Now()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return d.finish(log, tx, start, relay.Result{
			Outcome: relay.OutcomeTempFailed,
			Err:     relay.E(relay.KindTransientDispatch, "dispatch", "shutting down", err),
		})
	}
	defer d.sem.Release(1)
	metricInflight.Inc()
	defer metricInflight.Dec()

	msg, err := parser.Parse(tx.Raw)
	if err != nil {
		return d.finish(log, tx, start, relay.Result{
			Outcome: relay.OutcomeRejected,
			Err:     relay.E(relay.KindPermanentDispatch, "dispatch", "message could not be parsed", err),
		})
	}
	headerFrom := msg.From
	d.prepare(msg, tx.Recipients)

	log.Info("relaying message",
		"envelope_from", tx.EnvelopeFrom,
		"header_from", headerFrom,
		"sender", msg.From,
		"recipients", len(tx.Recipients),
		"provider", d.provider.Name(),
	)

	var result relay.Result
	for n := 1; n <= d.policy.MaxAttempts; n++ {
		if n > 1 {
			delay := d.policy.Delay(n-1, relay.RetryAfterOf(result.Err))
			log.Info("retrying send", "attempt", n, "delay", delay)
			if err := d.sleep(ctx, delay); err != nil {
				result.Outcome = relay.OutcomeTempFailed
				return d.finish(log, tx, start, result)
			}
		}
		if ctx.Err() != nil {
			if result.Err == nil {
				result.Err = relay.E(relay.KindTransientDispatch, "dispatch", "shutting down", ctx.Err())
			}
			result.Outcome = relay.OutcomeTempFailed
			return d.finish(log, tx, start, result)
		}

		attempt := d.attempt(ctx, tx, msg, n)
		result.Attempts = append(result.Attempts, attempt)
		result.Err = attempt.Err

		switch attempt.Outcome {
		case relay.AttemptOK:
			result.Outcome = relay.OutcomeDelivered
			return d.finish(log, tx, start, result)
		case relay.AttemptPermanent:
			result.Outcome = relay.OutcomeRejected
			return d.finish(log, tx, start, result)
		}
	}

	result.Outcome = relay.OutcomeTempFailed
	return d.finish(log, tx, start, result)
}

// attempt makes one send. It runs on a context detached from ctx so that
// shutdown does not abort a request already on the wire.
func (d *Dispatcher) attempt(ctx context.Context, tx *relay.Transaction, msg *email.Email, n int) relay.Attempt {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.policy.AttemptTimeout)
	defer cancel()

	a := relay.Attempt{TransactionID: tx.ID, Number: n, At: time.Now()}
	err := d.provider.Send(actx, msg)
	a.Duration = time.Since(a.At)
	if err == nil {
		metricAttempts.WithLabelValues(a.Outcome.String()).Inc()
		return a
	}

	// Anything the backend did not classify as permanent is retried.
	a.Err = err
	a.Outcome, a.Kind = relay.AttemptTransient, relay.KindTransientDispatch
	if relay.KindOf(err) == relay.KindPermanentDispatch {
		a.Outcome, a.Kind = relay.AttemptPermanent, relay.KindPermanentDispatch
	}
	metricAttempts.WithLabelValues(a.Outcome.String()).Inc()
	slog.Warn("send attempt failed",
		"session", tx.SessionID,
		"tx", tx.ID,
		"attempt", n,
		"kind", a.Kind,
		"duration", a.Duration,
		"error", err,
	)
	return a
}

func (d *Dispatcher) finish(log *slog.Logger, tx *relay.Transaction, start time.Time, result relay.Result) relay.Result {
	state := relay.StateRejected
	if result.Outcome == relay.OutcomeDelivered {
		state = relay.StateAccepted
	}
	if err := tx.Finish(state); err != nil {
		log.Error("transaction finished twice", "error", err)
	}

	metricOutcomes.WithLabelValues(result.Outcome.String()).Inc()
	metricDuration.Observe(time.Since(start).Seconds())

	attrs := []any{
		"outcome", result.Outcome,
		"attempts", len(result.Attempts),
		"duration", time.Since(start),
	}
	if result.Outcome == relay.OutcomeDelivered {
		log.Info("message relayed", attrs...)
	} else {
		log.Warn("message not relayed", append(attrs, "kind", relay.KindOf(result.Err), "error", result.Err)...)
	}
	return result
}

// prepare sets the relay identity as sender of record and splits the
// envelope recipients over To, Cc and Bcc. Header recipients that are not
// envelope recipients are dropped; envelope recipients not named in To or
// Cc become Bcc. A header From other than the identity becomes Reply-To
// unless the message already has one.
func (d *Dispatcher) prepare(msg *email.Email, envelope []string) {
	if len(msg.ReplyTo) == 0 && msg.From != "" && !strings.EqualFold(msg.From, d.identity.Address) {
		msg.ReplyTo = []string{msg.From}
	}
	msg.From = d.identity.Address

	pending := make(map[string]string, len(envelope))
	var order []string
	for _, rcpt := range envelope {
		key := strings.ToLower(rcpt)
		if _, dup := pending[key]; dup {
			continue
		}
		pending[key] = rcpt
		order = append(order, key)
	}

	take := func(header []string) []string {
		var out []string
		for _, addr := range header {
			key := strings.ToLower(addr)
			if rcpt, ok := pending[key]; ok {
				out = append(out, rcpt)
				delete(pending, key)
			}
		}
		return out
	}
	msg.To = take(msg.To)
	msg.Cc = take(msg.Cc)

	msg.Bcc = nil
	for _, key := range order {
		if rcpt, ok := pending[key]; ok {
			msg.Bcc = append(msg.Bcc, rcpt)
		}
	}
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
