package model

import "fmt"

// ControlSignal constrains what workers of a trace or subtree may do.
// The empty value means no signal has been written and reads as NORMAL.
type ControlSignal string

const (
	SignalUnset     ControlSignal = ""
	SignalNormal    ControlSignal = "NORMAL"
	SignalPaused    ControlSignal = "PAUSED"
	SignalCancelled ControlSignal = "CANCELLED"
)

// Normalize maps the unset signal to NORMAL.
func (s ControlSignal) Normalize() ControlSignal {
	if s == SignalUnset {
		return SignalNormal
	}
	return s
}

// Valid reports whether s is a known signal. The unset value is valid.
func (s ControlSignal) Valid() bool {
	switch s {
	case SignalUnset, SignalNormal, SignalPaused, SignalCancelled:
		return true
	}
	return false
}

func (s ControlSignal) severity() int {
	switch s {
	case SignalCancelled:
		return 2
	case SignalPaused:
		return 1
	default:
		return 0
	}
}

// MostSevere returns whichever signal constrains workers more.
func MostSevere(a, b ControlSignal) ControlSignal {
	if b.severity() > a.severity() {
		return b.Normalize()
	}
	return a.Normalize()
}

// Command returns the command a worker should receive under this signal.
func (s ControlSignal) Command() Command {
	switch s {
	case SignalCancelled:
		return CommandCancel
	case SignalPaused:
		return CommandPause
	default:
		return CommandContinue
	}
}

// Command is piggybacked on every report acknowledgement.
type Command string

const (
	CommandContinue Command = "CONTINUE"
	CommandPause    Command = "PAUSE"
	CommandCancel   Command = "CANCEL"
)

// ControlRequest is the operator-facing verb accepted by control endpoints.
type ControlRequest string

const (
	ControlCancel ControlRequest = "CANCEL"
	ControlPause  ControlRequest = "PAUSE"
	ControlResume ControlRequest = "RESUME"
)

// Signal maps a control request onto the signal it writes.
func (r ControlRequest) Signal() (ControlSignal, error) {
	switch r {
	case ControlCancel:
		return SignalCancelled, nil
	case ControlPause:
		return SignalPaused, nil
	case ControlResume:
		return SignalNormal, nil
	}
	return SignalUnset, fmt.Errorf("unknown control signal %q (want CANCEL, PAUSE, or RESUME)", string(r))
}

// SignalScopeKind names the reach of a control operation.
type SignalScopeKind string

const (
	ScopeTrace   SignalScopeKind = "trace"
	ScopeSubtree SignalScopeKind = "subtree"
)
