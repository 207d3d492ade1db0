package models

import (
	"testing"
)

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{JobStatusDraft, JobStatusPending, true},
		{JobStatusPending, JobStatusReserved, true},
		{JobStatusReserved, JobStatusSubmitted, true},
		{JobStatusSubmitted, JobStatusGenerating, true},
		{JobStatusGenerating, JobStatusDone, true},
		{JobStatusGenerating, JobStatusFailed, true},
		{JobStatusReserved, JobStatusDone, true},
		{JobStatusFailed, JobStatusPending, true},

		// a job never transitions out of done
		{JobStatusDone, JobStatusPending, false},
		{JobStatusDone, JobStatusFailed, false},
		{JobStatusDone, JobStatusGenerating, false},
		// and never re-enters pending once past it, except via retry
		{JobStatusReserved, JobStatusPending, false},
		{JobStatusSubmitted, JobStatusPending, false},
		{JobStatusGenerating, JobStatusPending, false},
		// client can't unilaterally declare progress from pending
		{JobStatusPending, JobStatusSubmitted, false},
		{JobStatusPending, JobStatusDone, false},
		{JobStatusDraft, JobStatusReserved, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestJobStatusPredicates(t *testing.T) {
	if !JobStatusDone.IsTerminal() || !JobStatusFailed.IsTerminal() {
		t.Error("done and failed must be terminal")
	}
	if JobStatusGenerating.IsTerminal() {
		t.Error("generating is not terminal")
	}

	for _, s := range []JobStatus{JobStatusReserved, JobStatusSubmitted, JobStatusGenerating} {
		if !s.HoldsReservation() {
			t.Errorf("%s should hold a reservation", s)
		}
	}
	for _, s := range []JobStatus{JobStatusDraft, JobStatusPending, JobStatusDone, JobStatusFailed} {
		if s.HoldsReservation() {
			t.Errorf("%s should not hold a reservation", s)
		}
	}
}
