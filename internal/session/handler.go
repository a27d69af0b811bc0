// Package session implements the per-connection mail transaction state
// machine. It is transport agnostic: the SMTP wire loop feeds it parsed
// commands and writes back the replies it returns.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shineum/smtp-graph-relay/internal/relay"
)

var metricViolations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "smtprelay_session_violations_total",
		Help: "Out-of-order SMTP commands by command.",
	},
	[]string{"command"},
)

// Dispatcher delivers a completed transaction.
type Dispatcher interface {
	Dispatch(ctx context.Context, tx *relay.Transaction) relay.Result
}

// Options limits what a single transaction may carry. Zero means no limit.
type Options struct {
	MaxRecipients  int
	MaxMessageSize int64
}

// Reply is an SMTP reply with its enhanced status code.
type Reply struct {
	Code     int
	Enhanced string
	Text     string
}

func (r Reply) String() string {
	if r.Enhanced == "" {
		return fmt.Sprintf("%d %s", r.Code, r.Text)
	}
	return fmt.Sprintf("%d %s %s", r.Code, r.Enhanced, r.Text)
}

// Positive reports whether the reply is a 2xx or 3xx reply.
func (r Reply) Positive() bool {
	return r.Code < 400
}

// Handler tracks the open transaction of one session. It is not safe for
// concurrent use; a session processes one command at a time.
type Handler struct {
	id         string
	dispatcher Dispatcher
	opts       Options
	log        *slog.Logger

	tx *relay.Transaction
}

// New creates a Handler for the session with the given id.
func New(id string, d Dispatcher, opts Options, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{id: id, dispatcher: d, opts: opts, log: log}
}

// State returns the state of the open transaction, or StateIdle.
func (h *Handler) State() relay.State {
	if h.tx == nil {
		return relay.StateIdle
	}
	return h.tx.State()
}

// Mail opens a transaction for the envelope sender. The sender is logged
// but does not change who the message is sent as.
func (h *Handler) Mail(from string) Reply {
	if h.tx != nil {
		return h.violation("MAIL", "nested MAIL command")
	}
	h.tx = relay.NewTransaction(h.id, from)
	h.log.Debug("transaction opened", "tx", h.tx.ID, "envelope_from", from)
	return Reply{250, "2.1.0", "Ok"}
}

// Rcpt adds a recipient to the open transaction.
func (h *Handler) Rcpt(to string) Reply {
	if h.tx == nil {
		return h.violation("RCPT", "need MAIL command")
	}
	if h.opts.MaxRecipients > 0 && len(h.tx.Recipients) >= h.opts.MaxRecipients {
		return Reply{452, "4.5.3", "Too many recipients"}
	}
	if err := h.tx.AddRecipient(to); err != nil {
		return h.violation("RCPT", err.Error())
	}
	return Reply{250, "2.1.5", "Ok"}
}

// Data checks that the transaction may receive message content. A 354
// reply means the caller should read the message and pass it to Deliver.
func (h *Handler) Data() Reply {
	if h.tx == nil {
		return h.violation("DATA", "need MAIL command")
	}
	if h.tx.State() != relay.StateRecipientsSet {
		return h.violation("DATA", "need RCPT command")
	}
	return Reply{354, "", "End data with <CR><LF>.<CR><LF>"}
}

// Deliver records the message content and dispatches the transaction. The
// session is idle again once Deliver returns.
func (h *Handler) Deliver(ctx context.Context, raw []byte) Reply {
	if h.tx == nil {
		return h.violation("DATA", "need MAIL command")
	}
	tx := h.tx
	if err := tx.SetData(raw); err != nil {
		return h.violation("DATA", err.Error())
	}
	h.tx = nil

	result := h.dispatcher.Dispatch(ctx, tx)
	return replyFor(tx, result)
}

// Oversize rejects the open transaction after the client sent more than
// MaxMessageSize bytes of content.
func (h *Handler) Oversize() Reply {
	h.discard("message too large")
	return Reply{552, "5.3.4", "Message size exceeds fixed maximum message size"}
}

// Reset discards the open transaction, if any.
func (h *Handler) Reset() Reply {
	h.discard("reset")
	return Reply{250, "2.0.0", "Ok"}
}

// violation rejects the open transaction and returns the session to idle.
// The connection stays usable.
func (h *Handler) violation(command, detail string) Reply {
	metricViolations.WithLabelValues(command).Inc()
	h.log.Warn("protocol violation",
		"kind", relay.KindProtocolViolation,
		"command", command,
		"state", h.State(),
		"detail", detail,
	)
	h.discard("protocol violation")
	return Reply{503, "5.5.1", "Bad sequence of commands: " + detail}
}

func (h *Handler) discard(reason string) {
	if h.tx == nil {
		return
	}
	if err := h.tx.Finish(relay.StateRejected); err == nil {
		h.log.Debug("transaction discarded", "tx", h.tx.ID, "reason", reason)
	}
	h.tx = nil
}

// replyFor maps a dispatch result to the reply for the end of DATA.
func replyFor(tx *relay.Transaction, result relay.Result) Reply {
	switch result.Outcome {
	case relay.OutcomeDelivered:
		return Reply{250, "2.0.0", "Ok: queued as " + tx.ID}
	case relay.OutcomeTempFailed:
		return Reply{451, "4.3.0", "Temporary delivery failure, try again later"}
	}

	var re *relay.Error
	if errors.As(result.Err, &re) {
		switch {
		case re.StatusCode == 413:
			return Reply{552, "5.3.4", "Message rejected by mail service: too large"}
		case re.Op == "dispatch":
			return Reply{554, "5.6.0", "Message could not be processed"}
		}
	}
	return Reply{554, "5.0.0", "Transaction failed"}
}
