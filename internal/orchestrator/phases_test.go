package orchestrator_test

import (
	"testing"

	"github.com/atlas-desktop/breakout-engine/internal/orchestrator"
)

func TestInitializingAlwaysAdvancesToScanning(t *testing.T) {
	r := orchestrator.NextPhase(orchestrator.PhaseInitializing, false, false, false, false, false, false, false, false)
	if r.NextPhase != orchestrator.PhaseScanning || !r.Changed {
		t.Fatalf("expected INITIALIZING to always advance to SCANNING, got %+v", r)
	}
}

func TestScanningWaitsWithoutCandidate(t *testing.T) {
	r := orchestrator.NextPhase(orchestrator.PhaseScanning, false, false, false, false, false, false, false, false)
	if r.NextPhase != orchestrator.PhaseScanning || r.Changed {
		t.Fatalf("expected SCANNING to hold with no candidate (no cadence delay skip), got %+v", r)
	}
}

func TestScanningAdvancesOnCandidate(t *testing.T) {
	r := orchestrator.NextPhase(orchestrator.PhaseScanning, true, false, false, false, false, false, false, false)
	if r.NextPhase != orchestrator.PhaseLevelBuilding || !r.Changed {
		t.Fatalf("expected SCANNING to advance to LEVEL_BUILDING on a found candidate, got %+v", r)
	}
}

func TestSignalWaitTimeoutReturnsToScanning(t *testing.T) {
	r := orchestrator.NextPhase(orchestrator.PhaseSignalWait, false, false, false, true, false, false, false, false)
	if r.NextPhase != orchestrator.PhaseScanning || !r.Changed {
		t.Fatalf("expected SIGNAL_WAIT timeout to return to SCANNING, got %+v", r)
	}
}

func TestSignalWaitAcceptedAdvancesToSizing(t *testing.T) {
	r := orchestrator.NextPhase(orchestrator.PhaseSignalWait, false, false, true, false, false, false, false, false)
	if r.NextPhase != orchestrator.PhaseSizing || !r.Changed {
		t.Fatalf("expected SIGNAL_WAIT to advance to SIZING on accepted signal, got %+v", r)
	}
}

func TestSizingRejectionReturnsToScanning(t *testing.T) {
	r := orchestrator.NextPhase(orchestrator.PhaseSizing, false, false, false, false, false, false, false, false)
	if r.NextPhase != orchestrator.PhaseScanning || !r.Changed {
		t.Fatalf("expected SIZING rejection to return to SCANNING, got %+v", r)
	}
}

func TestExecutionFillAdvancesToManaging(t *testing.T) {
	r := orchestrator.NextPhase(orchestrator.PhaseExecution, false, false, false, false, false, true, false, false)
	if r.NextPhase != orchestrator.PhaseManaging || !r.Changed {
		t.Fatalf("expected a fill to advance EXECUTION to MANAGING, got %+v", r)
	}
}

func TestExecutionTotalRejectionReturnsToScanning(t *testing.T) {
	r := orchestrator.NextPhase(orchestrator.PhaseExecution, false, false, false, false, false, false, true, false)
	if r.NextPhase != orchestrator.PhaseScanning || !r.Changed {
		t.Fatalf("expected total rejection to return EXECUTION to SCANNING, got %+v", r)
	}
}

func TestExecutionHoldsWhileInFlight(t *testing.T) {
	r := orchestrator.NextPhase(orchestrator.PhaseExecution, false, false, false, false, false, false, false, false)
	if r.NextPhase != orchestrator.PhaseExecution || r.Changed {
		t.Fatalf("expected EXECUTION to hold with no fill and no rejection, got %+v", r)
	}
}

func TestManagingAlwaysReturnsToScanning(t *testing.T) {
	r := orchestrator.NextPhase(orchestrator.PhaseManaging, false, false, false, false, false, false, false, false)
	if r.NextPhase != orchestrator.PhaseScanning || !r.Changed {
		t.Fatalf("expected MANAGING to return to SCANNING each cycle, got %+v", r)
	}
}

func TestUnrecoverableErrorForcesErrorPhaseFromAnyState(t *testing.T) {
	for _, phase := range []orchestrator.Phase{
		orchestrator.PhaseScanning, orchestrator.PhaseLevelBuilding, orchestrator.PhaseSignalWait,
		orchestrator.PhaseSizing, orchestrator.PhaseExecution, orchestrator.PhaseManaging,
	} {
		r := orchestrator.NextPhase(phase, false, false, false, false, false, false, false, true)
		if r.NextPhase != orchestrator.PhaseError || !r.Changed {
			t.Fatalf("expected unrecoverable error from %s to force ERROR, got %+v", phase, r)
		}
	}
}

func TestOnRetryCommandOnlyAffectsErrorPhase(t *testing.T) {
	if next := orchestrator.OnRetryCommand(orchestrator.PhaseError); next != orchestrator.PhaseScanning {
		t.Fatalf("expected retry from ERROR to go to SCANNING, got %s", next)
	}
	if next := orchestrator.OnRetryCommand(orchestrator.PhaseManaging); next != orchestrator.PhaseManaging {
		t.Fatalf("expected retry command to be a no-op outside ERROR, got %s", next)
	}
}

func TestOnKillSwitchForcesStoppedFromAnyPhase(t *testing.T) {
	if next := orchestrator.OnKillSwitch(orchestrator.PhaseExecution); next != orchestrator.PhaseStopped {
		t.Fatalf("expected kill switch to force STOPPED, got %s", next)
	}
}
