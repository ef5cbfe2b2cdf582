package domain

import (
	"fmt"
	"slices"
	"time"
)

// State is the lifecycle state of one exchange's streaming connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribed
	StateReceiving
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReceiving:
		return "receiving"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateClosed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("domain: unknown connection state %q", text)
}

// Active reports whether a connection attempt or session is in progress.
func (s State) Active() bool {
	return s == StateConnecting || s == StateSubscribed || s == StateReceiving
}

// transitions lists the allowed next states for each state. Closed is
// terminal.
var transitions = map[State][]State{
	StateIdle:         {StateConnecting, StateClosed},
	StateConnecting:   {StateSubscribed, StateReconnecting, StateClosed},
	StateSubscribed:   {StateReceiving, StateReconnecting, StateConnecting, StateClosed},
	StateReceiving:    {StateReconnecting, StateConnecting, StateClosed},
	StateReconnecting: {StateConnecting, StateClosed},
}

// CanTransition reports whether the state machine allows s -> next.
// Subscribed/Receiving -> Connecting is the forced reconnect path.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

// Error kinds recorded on ConnectionState.
const (
	ErrorKindTransport    = "transport"
	ErrorKindTimeout      = "timeout"
	ErrorKindSubscription = "subscription"
	ErrorKindFallback     = "fallback"
)

// ConnectionState describes one exchange's ingestion status.
type ConnectionState struct {
	Exchange      string    `json:"exchange"`
	State         State     `json:"state"`
	RetryCount    int       `json:"retry_count"`
	LastError     string    `json:"last_error,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	FallbackError string    `json:"fallback_error,omitempty"`
	Exhausted     bool      `json:"exhausted"`
	Symbols       []string  `json:"symbols"`
	Since         time.Time `json:"since"`
}

// Healthy is true when data is flowing and no persistent error is flagged.
func (c ConnectionState) Healthy() bool {
	return c.State == StateReceiving && !c.Exhausted
}

// Clone returns a deep copy.
func (c ConnectionState) Clone() ConnectionState {
	c.Symbols = slices.Clone(c.Symbols)
	return c
}

// RetryState is the backoff bookkeeping for one logical connection key.
type RetryState struct {
	Key         string    `json:"key"`
	Failures    int       `json:"failures"`
	NextRetryAt time.Time `json:"next_retry_at,omitzero"`
	Exhausted   bool      `json:"exhausted"`
}

// ConnectionError attributes a connection-level failure to an exchange and
// classifies it so subscription rejections stay distinguishable from
// transport failures.
type ConnectionError struct {
	Exchange string
	Kind     string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Exchange, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
