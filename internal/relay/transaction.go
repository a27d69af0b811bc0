package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the position of a session in the mail transaction state machine.
type State int

const (
	// StateIdle means no transaction is open.
	StateIdle State = iota

	// StateEnvelopeOpen means MAIL FROM was accepted.
	StateEnvelopeOpen

	// StateRecipientsSet means at least one RCPT TO was accepted.
	StateRecipientsSet

	// StateDataReceived means the message bytes were received in full and
	// the transaction awaits its dispatch outcome.
	StateDataReceived

	// StateAccepted is terminal: the mail API accepted the message.
	StateAccepted

	// StateRejected is terminal: the transaction was refused, permanently
	// or temporarily.
	StateRejected
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateEnvelopeOpen:
		return "EnvelopeOpen"
	case StateRecipientsSet:
		return "RecipientsSet"
	case StateDataReceived:
		return "DataReceived"
	case StateAccepted:
		return "Accepted"
	case StateRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateRejected
}

var (
	// ErrAlreadyClaimed is returned by Claim when the transaction was
	// already handed to a dispatcher.
	ErrAlreadyClaimed = errors.New("transaction already claimed for dispatch")

	// ErrAlreadyFinished is returned by Finish on a terminal transaction.
	ErrAlreadyFinished = errors.New("transaction already finished")
)

// Transaction is one mail submission from MAIL FROM to its terminal outcome.
// It belongs to a single session and is discarded once finished.
type Transaction struct {
	ID           string
	SessionID    string
	EnvelopeFrom string
	Recipients   []string
	Raw          []byte
	CreatedAt    time.Time

	mu      sync.Mutex
	state   State
	claimed bool
}

// NewTransaction opens a transaction for the given envelope sender.
func NewTransaction(sessionID, envelopeFrom string) *Transaction {
	return &Transaction{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		EnvelopeFrom: envelopeFrom,
		CreatedAt:    time.Now(),
		state:        StateEnvelopeOpen,
	}
}

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// AddRecipient appends a destination address.
func (t *Transaction) AddRecipient(addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateEnvelopeOpen && t.state != StateRecipientsSet {
		return t.transitionError(StateRecipientsSet)
	}
	t.Recipients = append(t.Recipients, addr)
	t.state = StateRecipientsSet
	return nil
}

// SetData records the raw message bytes received after DATA.
func (t *Transaction) SetData(raw []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateRecipientsSet || len(t.Recipients) == 0 {
		return t.transitionError(StateDataReceived)
	}
	t.Raw = raw
	t.state = StateDataReceived
	return nil
}

// Claim marks the transaction as handed to a dispatcher. Only the first
// call on a transaction in StateDataReceived succeeds.
func (t *Transaction) Claim() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.claimed {
		return ErrAlreadyClaimed
	}
	if t.state != StateDataReceived {
		return t.transitionError(StateDataReceived)
	}
	t.claimed = true
	return nil
}

// Finish moves the transaction to a terminal state. A transaction finishes
// exactly once.
func (t *Transaction) Finish(s State) error {
	if !s.Terminal() {
		return fmt.Errorf("finish: %s is not a terminal state", s)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return ErrAlreadyFinished
	}
	t.state = s
	return nil
}

func (t *Transaction) transitionError(to State) error {
	return E(KindProtocolViolation, "transaction", fmt.Sprintf("invalid transition %s -> %s", t.state, to), nil)
}

// Identity is the mailbox every transaction is sent as. It is validated once
// before the listener binds and is read-only afterwards.
type Identity struct {
	Address     string
	DisplayName string
	CanSendMail bool

	// Caveat describes a non-fatal validation warning, empty if none.
	Caveat string
}

// Outcome is the terminal result of dispatching a transaction.
type Outcome int

const (
	// OutcomeDelivered means the mail API accepted the message.
	OutcomeDelivered Outcome = iota + 1

	// OutcomeRejected means the message will never be accepted as sent.
	OutcomeRejected

	// OutcomeTempFailed means delivery could not be completed now and the
	// submitting peer should retry later.
	OutcomeTempFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTempFailed:
		return "tempfail"
	default:
		return "none"
	}
}

// AttemptOutcome is the result of a single send try.
type AttemptOutcome int

const (
	AttemptOK AttemptOutcome = iota
	AttemptTransient
	AttemptPermanent
)

func (o AttemptOutcome) String() string {
	switch o {
	case AttemptOK:
		return "ok"
	case AttemptTransient:
		return "transient"
	case AttemptPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Attempt records one send try for a transaction.
type Attempt struct {
	TransactionID string
	Number        int
	Outcome       AttemptOutcome
	Kind          Kind // KindUnknown on success
	At            time.Time
	Duration      time.Duration
	Err           error
}

// Result is what a dispatcher reports back to the session.
type Result struct {
	Outcome  Outcome
	Attempts []Attempt
	Err      error
}
