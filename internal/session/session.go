// Package session implements the peer-to-peer transfer session state
// machine (spec §4.7): IDLE → WAITING (sender only) → READY →
// TRANSFERRING → COMPLETE | FAILED. It is the glue between the signaling
// handshake, key derivation, and the sender/receiver engines — grounded on
// the teacher's connection-lifecycle pattern in internal/server/server.go's
// Run (accept loop driving a session through well-defined phases) and
// internal/agent/daemon.go's signal-driven state transitions, generalized
// here to a transfer's own terminal/non-terminal states instead of an OS
// process's lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// State is one of the transfer session's lifecycle states.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StateReady
	StateTransferring
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateReady:
		return "ready"
	case StateTransferring:
		return "transferring"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Role distinguishes the two engine roles sharing this state machine.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Errors returned by invalid transitions.
var (
	ErrTerminal         = errors.New("session: already in a terminal state")
	ErrInvalidTransition = errors.New("session: invalid state transition")
	ErrNoSharedKey      = errors.New("session: cannot transfer data before a shared key is derived")
)

// Machine is the session state machine. All exported methods are safe for
// concurrent use; the engines driving a transfer typically call these from
// their single logical event loop, but signaling callbacks (key exchange,
// peer_ready) may arrive from a different goroutine.
type Machine struct {
	mu     sync.Mutex
	role   Role
	state  State
	key    []byte // shared AES-GCM key, set only on READY
	err    error
	logger *slog.Logger

	onChange func(State)
}

// New builds a Machine in StateIdle for the given role.
func New(role Role, logger *slog.Logger, onChange func(State)) *Machine {
	return &Machine{
		role:     role,
		state:    StateIdle,
		logger:   logger,
		onChange: onChange,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error that drove the machine into StateFailed, if any.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// HasSharedKey reports whether a shared AES-GCM key has been derived.
func (m *Machine) HasSharedKey() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key != nil
}

// ToWaiting transitions IDLE → WAITING. Sender-only: the sender posts its
// offer and receives a pairing code while waiting for a peer.
func (m *Machine) ToWaiting() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != RoleSender {
		return fmt.Errorf("%w: WAITING is sender-only", ErrInvalidTransition)
	}
	if m.state != StateIdle {
		return m.transitionError(StateWaiting)
	}
	return m.setLocked(StateWaiting)
}

// ToReady transitions WAITING|IDLE → READY once the peer has signaled
// peer_ready and both sides have derived the shared AES-GCM key. key must be
// exactly cryptoengine.KeySize bytes; callers should validate upstream since
// this package does not import cryptoengine to avoid a dependency cycle with
// the engines that do.
func (m *Machine) ToReady(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle && m.state != StateWaiting {
		return m.transitionError(StateReady)
	}
	if len(key) == 0 {
		return fmt.Errorf("%w: empty shared key", ErrInvalidTransition)
	}
	m.key = append([]byte(nil), key...)
	return m.setLocked(StateReady)
}

// ToTransferring transitions READY → TRANSFERRING. It enforces the
// precondition spec §4.7 mandates: DATA must never be sent before a shared
// key exists.
func (m *Machine) ToTransferring() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady {
		return m.transitionError(StateTransferring)
	}
	if m.key == nil {
		return ErrNoSharedKey
	}
	return m.setLocked(StateTransferring)
}

// ToComplete transitions TRANSFERRING → COMPLETE.
func (m *Machine) ToComplete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateTransferring {
		return m.transitionError(StateComplete)
	}
	return m.setLocked(StateComplete)
}

// Fail transitions any non-terminal state to FAILED, recording err. It is a
// no-op if the machine is already terminal — spec §4.7 permits FAILED from
// any state, but a transfer that already reached COMPLETE or FAILED stays
// there.
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateComplete || m.state == StateFailed {
		return
	}
	m.err = err
	if m.logger != nil {
		m.logger.Error("session: transitioning to failed", "from", m.state, "error", err)
	}
	_ = m.setLocked(StateFailed)
}

// CanSendData reports whether the engine may send DATA frames: the session
// must be TRANSFERRING and a shared key must exist.
func (m *Machine) CanSendData() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateTransferring && m.key != nil
}

func (m *Machine) setLocked(next State) error {
	prev := m.state
	m.state = next
	if m.logger != nil {
		m.logger.Info("session: state transition", "role", m.role, "from", prev, "to", next)
	}
	if m.onChange != nil {
		m.onChange(next)
	}
	return nil
}

func (m *Machine) transitionError(attempted State) error {
	if m.state == StateComplete || m.state == StateFailed {
		return ErrTerminal
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, attempted)
}

// WaitUntilTerminal blocks until the machine reaches COMPLETE or FAILED, or
// ctx is cancelled. notify is a channel the caller's onChange callback
// should signal on every transition; WaitUntilTerminal re-checks State()
// each time it wakes.
func WaitUntilTerminal(ctx context.Context, m *Machine, notify <-chan struct{}) (State, error) {
	for {
		switch s := m.State(); s {
		case StateComplete, StateFailed:
			return s, m.Err()
		}
		select {
		case <-ctx.Done():
			return m.State(), ctx.Err()
		case <-notify:
		}
	}
}
