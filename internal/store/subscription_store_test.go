package store

import "testing"

// runOutcomes feeds a sequence of outcomes through autoFailAfter the way
// consecutive RecordOutcome calls would, returning whether any outcome
// fired the transition and the counters afterwards.
func runOutcomes(outcomes []bool) (fired bool, total, failed int64) {
	for _, success := range outcomes {
		if autoFailAfter(total, failed, success) {
			fired = true
		}
		total++
		if !success {
			failed++
		}
	}
	return fired, total, failed
}

func TestAutoFailAfter_FailuresThenSuccesses(t *testing.T) {
	// Six failures land before the ten-delivery floor is reached; the
	// tenth outcome is a success, and that is the one that must trip the
	// transition (6/10 > 50%).
	outcomes := []bool{false, false, false, false, false, false, true, true, true, true}

	for i, success := range outcomes[:9] {
		var total, failed int64
		_, total, failed = runOutcomes(outcomes[:i])
		if autoFailAfter(total, failed, success) {
			t.Fatalf("outcome %d fired before the ten-delivery floor", i+1)
		}
	}

	fired, total, failed := runOutcomes(outcomes)
	if !fired {
		t.Fatalf("transition never fired: total=%d failed=%d", total, failed)
	}
	if !autoFailAfter(9, 6, true) {
		t.Error("the tenth outcome is a success and must still trip the transition")
	}
}

func TestAutoFailAfter_Floor(t *testing.T) {
	// All failures, but fewer than ten deliveries: never fires.
	if fired, _, _ := runOutcomes([]bool{false, false, false, false, false, false, false, false, false}); fired {
		t.Error("nine straight failures are below the ten-delivery floor")
	}

	// The tenth consecutive failure fires.
	if !autoFailAfter(9, 9, false) {
		t.Error("ten failures out of ten must fire")
	}
}

func TestAutoFailAfter_RatioIsStrict(t *testing.T) {
	// Exactly half failed is not "exceeds 50%".
	if autoFailAfter(9, 5, true) {
		t.Error("5 failures out of 10 must not fire")
	}
	if autoFailAfter(9, 4, false) {
		t.Error("5 failures out of 10 must not fire on the failing outcome either")
	}

	// One more failure tips it.
	if !autoFailAfter(9, 5, false) {
		t.Error("6 failures out of 10 must fire")
	}
}

func TestAutoFailAfter_HealthyHistoryNeverFires(t *testing.T) {
	outcomes := make([]bool, 100)
	for i := range outcomes {
		outcomes[i] = i%3 != 0 // one failure in three, well under half
	}
	if fired, total, failed := runOutcomes(outcomes); fired {
		t.Errorf("transition fired at total=%d failed=%d", total, failed)
	}
}
