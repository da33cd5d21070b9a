package ftsm

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"
)

// transitionTable is the deterministic state table fixed by this port
// (SPEC_FULL.md §4.2 "Transition table"); spec.md leaves the exact table an
// open question beyond the processDependStatuses precedence rule.
var transitionTable = map[State]map[Transition]State{
	StateInit: {
		TransitionInitialised: StateConfiguring,
	},
	StateConfiguring: {
		TransitionDoneConfiguring: StateReady,
		TransitionRecover:         StateRecovering,
	},
	StateReady: {
		TransitionRun:     StateRunning,
		TransitionWait:    StateReady,
		TransitionRecover: StateRecovering,
	},
	StateRunning: {
		TransitionContinue: StateRunning,
		TransitionWait:     StateReady,
		TransitionRecover:  StateRecovering,
	},
	StateRecovering: {
		TransitionRun:      StateRunning,
		TransitionContinue: StateRecovering,
		TransitionRestart:  StateInit,
		TransitionFailed:   StateStopped,
	},
}

// idleHoldDelay keeps the driver from busy-spinning when a cycle holds the
// machine in its current state. Not one of spec.md's numbered constants --
// a defensive guard only.
const idleHoldDelay = 5 * time.Millisecond

// nextState resolves (state, transition) via the transition table. STOP is
// universal, per spec.md §4.2. An empty transition holds the current state
// for one more cycle. An unrecognised (state, transition) pair also holds,
// with matched=false so the caller can log it once.
func nextState(state State, transition Transition) (next State, matched bool) {
	if transition == TransitionStop {
		return StateStopped, true
	}
	if transition == "" {
		return state, true
	}
	if row, ok := transitionTable[state]; ok {
		if n, ok := row[transition]; ok {
			return n, true
		}
	}
	return state, false
}

// Run is the FTSM's main driver: it repeatedly calls the phase handler for
// the current state, applies the returned transition, and counts recovery
// attempts up to maxRecoveryAttempts before declaring terminal failure. It
// runs until ctx is cancelled or the machine reaches STOPPED.
func (f *FTSM) Run(ctx context.Context) error {
	atomic.StoreInt32(&f.isRunningFlag, 1)
	defer atomic.StoreInt32(&f.isRunningFlag, 0)

	for {
		select {
		case <-ctx.Done():
			f.setState(StateStopped)
			return ctx.Err()
		default:
		}

		state := f.State()
		if state == StateStopped {
			return nil
		}

		transition := f.cycle(state)

		next, matched := nextState(state, transition)
		if !matched {
			log.Printf("[ftsm %s] unrecognised transition %q from state %s, holding", f.name, transition, state)
		}
		if next == StateRunning && state == StateRecovering {
			f.recoveryAttempts = 0
		}
		f.setState(next)

		if transition == TransitionFailed {
			return &Error{
				Kind:    KindTimeout,
				Message: fmt.Sprintf("[%s] exceeded max recovery attempts (%d)", f.name, f.opts.maxRecoveryAttempts),
			}
		}
		if next == state {
			time.Sleep(idleHoldDelay)
		}
	}
}

// cycle calls the phase handler for state and returns the transition that
// should drive the machine, applying the RUNNING/RECOVERING special cases
// from spec.md §4.2.
func (f *FTSM) cycle(state State) Transition {
	switch state {
	case StateInit:
		return orDefault(f.handlers.Init(), TransitionInitialised)
	case StateConfiguring:
		return orDefault(f.handlers.Configuring(), TransitionDoneConfiguring)
	case StateReady:
		return orDefault(f.handlers.Ready(), TransitionRun)
	case StateRunning:
		running := f.handlers.Running()
		// processDependStatuses is consulted each cycle of running() and
		// its non-empty return takes precedence, per spec.md §4.2.
		if depend := f.handlers.ProcessDependStatuses(); depend != "" {
			return depend
		}
		return running
	case StateRecovering:
		transition := f.handlers.Recovering()
		switch transition {
		case TransitionRun, TransitionRestart, TransitionFailed:
			return transition
		default:
			f.recoveryAttempts++
			if f.recoveryAttempts > f.opts.maxRecoveryAttempts {
				return TransitionFailed
			}
			if transition == "" {
				return TransitionContinue
			}
			return transition
		}
	default:
		return ""
	}
}

func orDefault(transition, def Transition) Transition {
	if transition == "" {
		return def
	}
	return transition
}
