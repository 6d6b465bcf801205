package rtp

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
)

// StreamState is the per-direction transport state of one RTP session.
type StreamState int

const (
	StreamStateClosed StreamState = iota
	StreamStateOpenRxTx
	StreamStateOpenTxOnly
	StreamStateOpenRxOnly
)

func (s StreamState) String() string {
	switch s {
	case StreamStateClosed:
		return "closed"
	case StreamStateOpenRxTx:
		return "openRxTx"
	case StreamStateOpenTxOnly:
		return "openTxOnly"
	case StreamStateOpenRxOnly:
		return "openRxOnly"
	default:
		return "unknown"
	}
}

// StreamDirection selects which half of the session a Shutdown or
// Restart applies to.
type StreamDirection int

const (
	DirRead StreamDirection = iota
	DirWrite
)

func (d StreamDirection) String() string {
	if d == DirRead {
		return "read"
	}
	return "write"
}

// StateMachineCallbacks are the side effects the owning session wires
// into the state machine. All are optional.
type StateMachineCallbacks struct {
	// SendBYE fires once when the write half shuts down. The bye-sent
	// flag is set before the callback runs and never clears.
	SendBYE func()
	// StopReports fires when RTCP emission must cease (write shutdown).
	StopReports func()
	// ResumeReports fires when Restart(write) re-arms RTCP.
	ResumeReports func()
	// UnblockRead fires when the read half shuts down, so the owner can
	// break an in-flight blocking read (self-loopback datagram).
	UnblockRead func()
}

// StateMachine tracks the open/shutdown/restart lifecycle of one RTP
// session's two directions. Once BYE has been sent the flag is sticky;
// once a direction is shut down only an explicit Restart re-opens it.
type StateMachine struct {
	mu  sync.Mutex
	fsm *fsm.FSM

	byeSent bool
	cb      StateMachineCallbacks
}

// NewStateMachine constructs the machine in the closed state.
func NewStateMachine(cb StateMachineCallbacks) *StateMachine {
	sm := &StateMachine{cb: cb}
	sm.fsm = fsm.NewFSM(
		StreamStateClosed.String(),
		fsm.Events{
			{Name: "open", Src: []string{StreamStateClosed.String()}, Dst: StreamStateOpenRxTx.String()},

			{Name: "shutdownRead", Src: []string{StreamStateOpenRxTx.String()}, Dst: StreamStateOpenTxOnly.String()},
			{Name: "shutdownRead", Src: []string{StreamStateOpenRxOnly.String()}, Dst: StreamStateClosed.String()},
			{Name: "shutdownWrite", Src: []string{StreamStateOpenRxTx.String()}, Dst: StreamStateOpenRxOnly.String()},
			{Name: "shutdownWrite", Src: []string{StreamStateOpenTxOnly.String()}, Dst: StreamStateClosed.String()},

			{Name: "restartRead", Src: []string{StreamStateOpenTxOnly.String()}, Dst: StreamStateOpenRxTx.String()},
			{Name: "restartWrite", Src: []string{StreamStateOpenRxOnly.String()}, Dst: StreamStateOpenRxTx.String()},

			{Name: "close", Src: []string{
				StreamStateOpenRxTx.String(),
				StreamStateOpenTxOnly.String(),
				StreamStateOpenRxOnly.String(),
			}, Dst: StreamStateClosed.String()},
		},
		fsm.Callbacks{},
	)
	return sm
}

// State returns the current stream state.
func (sm *StateMachine) State() StreamState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return parseStreamState(sm.fsm.Current())
}

// ByeSent reports whether the session has emitted its BYE. The flag is
// set on the first write shutdown and never clears, even across Restart.
func (sm *StateMachine) ByeSent() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.byeSent
}

// CanRead reports whether the read half is open.
func (sm *StateMachine) CanRead() bool {
	s := sm.State()
	return s == StreamStateOpenRxTx || s == StreamStateOpenRxOnly
}

// CanWrite reports whether the write half is open.
func (sm *StateMachine) CanWrite() bool {
	s := sm.State()
	return s == StreamStateOpenRxTx || s == StreamStateOpenTxOnly
}

// Open transitions closed -> openRxTx.
func (sm *StateMachine) Open() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := sm.fsm.Event(context.Background(), "open"); err != nil {
		return fmt.Errorf("rtp state: open: %w", err)
	}
	return nil
}

// Shutdown closes one direction. Shutting the write half down sends BYE
// and stops the RTCP report timer; shutting the read half down unblocks
// any in-flight read. Shutting down the last open direction closes the
// session.
func (sm *StateMachine) Shutdown(dir StreamDirection) error {
	sm.mu.Lock()

	var event string
	var fire func()
	if dir == DirRead {
		event = "shutdownRead"
		fire = sm.cb.UnblockRead
	} else {
		event = "shutdownWrite"
	}

	if err := sm.fsm.Event(context.Background(), event); err != nil {
		sm.mu.Unlock()
		return fmt.Errorf("rtp state: shutdown %s: %w", dir, err)
	}

	var sendBye, stopReports bool
	if dir == DirWrite {
		stopReports = true
		if !sm.byeSent {
			sm.byeSent = true
			sendBye = true
		}
	}
	sm.mu.Unlock()

	// Callbacks run outside the lock: SendBYE typically writes to the
	// control socket and UnblockRead pokes the data socket.
	if sendBye && sm.cb.SendBYE != nil {
		sm.cb.SendBYE()
	}
	if stopReports && sm.cb.StopReports != nil {
		sm.cb.StopReports()
	}
	if fire != nil {
		fire()
	}
	return nil
}

// Restart re-opens a previously shut-down direction. Restarting a
// direction that is already open, or a closed session, is an error.
func (sm *StateMachine) Restart(dir StreamDirection) error {
	sm.mu.Lock()

	event := "restartRead"
	if dir == DirWrite {
		event = "restartWrite"
	}
	if err := sm.fsm.Event(context.Background(), event); err != nil {
		sm.mu.Unlock()
		return fmt.Errorf("rtp state: restart %s: %w", dir, err)
	}
	resume := dir == DirWrite
	sm.mu.Unlock()

	if resume && sm.cb.ResumeReports != nil {
		sm.cb.ResumeReports()
	}
	return nil
}

// Close forces the machine to closed from any open state. Closing a
// closed machine is a no-op.
func (sm *StateMachine) Close() {
	sm.mu.Lock()
	var unblock bool
	if sm.fsm.Current() != StreamStateClosed.String() {
		unblock = true
		_ = sm.fsm.Event(context.Background(), "close")
	}
	sm.mu.Unlock()

	if unblock && sm.cb.UnblockRead != nil {
		sm.cb.UnblockRead()
	}
}

func parseStreamState(s string) StreamState {
	switch s {
	case StreamStateOpenRxTx.String():
		return StreamStateOpenRxTx
	case StreamStateOpenTxOnly.String():
		return StreamStateOpenTxOnly
	case StreamStateOpenRxOnly.String():
		return StreamStateOpenRxOnly
	default:
		return StreamStateClosed
	}
}
