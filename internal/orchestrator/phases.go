// Package orchestrator implements the orchestrator phase FSM (C12): the cooperative
// single-process task graph driving scanning, level building, signal generation, sizing,
// execution, and position management, per spec §4.10.
package orchestrator

import (
	"time"
)

// Phase is one state of the orchestrator FSM.
type Phase string

const (
	PhaseInitializing  Phase = "initializing"
	PhaseScanning      Phase = "scanning"
	PhaseLevelBuilding Phase = "level_building"
	PhaseSignalWait    Phase = "signal_wait"
	PhaseSizing        Phase = "sizing"
	PhaseExecution     Phase = "execution"
	PhaseManaging      Phase = "managing"
	PhaseError         Phase = "error"
	PhaseStopped       Phase = "stopped"
)

// Timeouts gives each phase its default timeout, per spec §4.10's per-state timeout table.
var Timeouts = map[Phase]time.Duration{
	PhaseInitializing:  30 * time.Second,
	PhaseScanning:       60 * time.Second,
	PhaseLevelBuilding:  30 * time.Second,
	PhaseSignalWait:     30 * time.Second,
	PhaseSizing:         10 * time.Second,
	PhaseExecution:      60 * time.Second,
	PhaseManaging:       60 * time.Second,
}

// StepResult is the outcome of one orchestrator iteration: the next phase, whether it changed
// from the current one, and an optional reason (used for ERROR transitions).
type StepResult struct {
	NextPhase Phase
	Changed   bool
	Reason    string
}

// NextPhase computes the FSM's next phase from the current phase and this iteration's outcome
// flags. Cadence delay is applied by the caller only when Changed is false — fast transitions
// (SCANNING -> LEVEL_BUILDING -> SIGNAL_WAIT) must execute without sleeping.
func NextPhase(current Phase, scanFoundCandidate, levelsBuilt, signalAccepted, signalWaitTimedOut,
	riskApproved, anyFill, totalRejection, unrecoverableError bool) StepResult {

	if unrecoverableError {
		return StepResult{NextPhase: PhaseError, Changed: current != PhaseError, Reason: "unrecoverable error in phase " + string(current)}
	}

	switch current {
	case PhaseInitializing:
		return StepResult{NextPhase: PhaseScanning, Changed: true}
	case PhaseScanning:
		if scanFoundCandidate {
			return StepResult{NextPhase: PhaseLevelBuilding, Changed: true}
		}
		return StepResult{NextPhase: PhaseScanning, Changed: false}
	case PhaseLevelBuilding:
		if levelsBuilt {
			return StepResult{NextPhase: PhaseSignalWait, Changed: true}
		}
		return StepResult{NextPhase: PhaseLevelBuilding, Changed: false}
	case PhaseSignalWait:
		if signalAccepted {
			return StepResult{NextPhase: PhaseSizing, Changed: true}
		}
		if signalWaitTimedOut {
			return StepResult{NextPhase: PhaseScanning, Changed: true}
		}
		return StepResult{NextPhase: PhaseSignalWait, Changed: false}
	case PhaseSizing:
		if riskApproved {
			return StepResult{NextPhase: PhaseExecution, Changed: true}
		}
		return StepResult{NextPhase: PhaseScanning, Changed: true}
	case PhaseExecution:
		if anyFill {
			return StepResult{NextPhase: PhaseManaging, Changed: true}
		}
		if totalRejection {
			return StepResult{NextPhase: PhaseScanning, Changed: true}
		}
		return StepResult{NextPhase: PhaseExecution, Changed: false}
	case PhaseManaging:
		return StepResult{NextPhase: PhaseScanning, Changed: true}
	default:
		return StepResult{NextPhase: current, Changed: false}
	}
}

// OnRetryCommand transitions ERROR back to SCANNING; a no-op from any other phase.
func OnRetryCommand(current Phase) Phase {
	if current == PhaseError {
		return PhaseScanning
	}
	return current
}

// OnKillSwitch forces a transition to STOPPED from any phase.
func OnKillSwitch(current Phase) Phase { return PhaseStopped }

// OnStopCommand forces a transition to STOPPED from any phase.
func OnStopCommand(current Phase) Phase { return PhaseStopped }
