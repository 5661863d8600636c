package pinning

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/khanhnv2901/seca-pin/internal/analysis"
	sharedErrors "github.com/khanhnv2901/seca-pin/internal/shared/errors"
	"github.com/khanhnv2901/seca-pin/internal/shared/security"
)

// State is a step of a dynamic pinning session.
type State string

const (
	StateIdle           State = "idle"
	StateAppStopped     State = "app_stopped"
	StateProxyListening State = "proxy_listening"
	StateAppRunning     State = "app_running"
	StateCollecting     State = "collecting"
	StateFinalized      State = "finalized"
	// StateDegraded ends a session whose stage could not bind; only static evidence remains.
	StateDegraded State = "degraded"
	// StateFailed ends a session on a device error.
	StateFailed State = "failed"
)

var transitions = map[State][]State{
	StateIdle:           {StateAppStopped},
	StateAppStopped:     {StateProxyListening, StateDegraded},
	StateProxyListening: {StateAppRunning},
	StateAppRunning:     {StateCollecting},
	StateCollecting:     {StateFinalized},
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateDegraded || s == StateFailed
}

// Transition is one entry of a session's history.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Descriptor describes what a session observes and how.
type Descriptor struct {
	Identifier string
	ProxyHost  string
	ProxyPort  int
	WaitTime   time.Duration
	Relay      bool
	IgnoreURL  analysis.IgnoreList
	// SetupDelay pauses before the application is stopped so the operator can point
	// the device at the proxy.
	SetupDelay time.Duration
}

// Validate checks the descriptor before any device or proxy work.
func (d Descriptor) Validate() error {
	if d.Identifier == "" {
		return sharedErrors.ErrEmptyIdentifier
	}
	if err := security.ValidateIdentifier(d.Identifier); err != nil {
		return fmt.Errorf("%w: %v", sharedErrors.ErrInvalidInput, err)
	}
	if d.ProxyPort < 0 || d.ProxyPort > 65535 {
		return fmt.Errorf("%w: proxy port %d out of range", sharedErrors.ErrInvalidInput, d.ProxyPort)
	}
	if d.WaitTime < 0 || d.SetupDelay < 0 {
		return fmt.Errorf("%w: durations cannot be negative", sharedErrors.ErrInvalidInput)
	}
	return nil
}

// Addr is the bind address of the primary (or edge) stage.
func (d Descriptor) Addr() string {
	return net.JoinHostPort(d.ProxyHost, strconv.Itoa(d.ProxyPort))
}

// Session tracks one run through the state machine
// Idle → AppStopped → ProxyListening → AppRunning → Collecting → Finalized.
type Session struct {
	id          string
	descriptor  Descriptor
	state       State
	history     []Transition
	startedAt   time.Time
	finishedAt  time.Time
	interrupted bool
	failure     string
}

// NewSession creates an idle session.
func NewSession(d Descriptor) (*Session, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		id:         generateSessionID(),
		descriptor: d,
		state:      StateIdle,
		history:    make([]Transition, 0, 6),
		startedAt:  time.Now(),
	}, nil
}

// Advance moves the session to the next state.
func (s *Session) Advance(to State) error {
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.move(to)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", sharedErrors.ErrInvalidTransition, s.state, to)
}

// Fail ends a non-terminal session.
func (s *Session) Fail(cause error) error {
	if s.state.Terminal() {
		return fmt.Errorf("%w: cannot fail a %s session", sharedErrors.ErrInvalidTransition, s.state)
	}
	if cause != nil {
		s.failure = cause.Error()
	}
	s.move(StateFailed)
	return nil
}

func (s *Session) move(to State) {
	now := time.Now()
	s.history = append(s.history, Transition{From: s.state, To: to, At: now})
	s.state = to
	if to.Terminal() {
		s.finishedAt = now
	}
}

// MarkInterrupted records that the wait window was cut short.
func (s *Session) MarkInterrupted() {
	s.interrupted = true
}

// Getters

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Descriptor() Descriptor {
	return s.descriptor
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) History() []Transition {
	historyCopy := make([]Transition, len(s.history))
	copy(historyCopy, s.history)
	return historyCopy
}

func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

func (s *Session) FinishedAt() time.Time {
	return s.finishedAt
}

func (s *Session) Interrupted() bool {
	return s.interrupted
}

func (s *Session) Failure() string {
	return s.failure
}

func generateSessionID() string {
	now := time.Now()
	return "pin-" + now.Format("20060102150405") + "-" + strconv.FormatInt(int64(now.Nanosecond()/1000), 10)
}
