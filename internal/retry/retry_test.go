package retry

import (
	"context"
	"testing"
	"time"
)

func TestTracker_RetriesThenExhausts(t *testing.T) {
	tracker := NewTracker(3)

	for attempt := uint32(1); attempt <= 3; attempt++ {
		decision := tracker.RecordFailure("job-1", "boom")
		if decision.Kind != DecisionRetry {
			t.Fatalf("attempt %d: expected retry, got %v", attempt, decision.Kind)
		}
		if decision.Attempt != attempt {
			t.Fatalf("attempt %d: got attempt number %d", attempt, decision.Attempt)
		}
	}

	decision := tracker.RecordFailure("job-1", "boom")
	if decision.Kind != DecisionExhausted {
		t.Fatalf("expected exhausted on 4th failure, got %v", decision.Kind)
	}
	if len(decision.History) != 4 {
		t.Fatalf("expected 4 attempts in history, got %d", len(decision.History))
	}
	if tracker.GetAttempt("job-1") != 0 {
		t.Fatalf("expected state cleared after exhaustion")
	}
}

func TestTracker_ClearRemovesState(t *testing.T) {
	tracker := NewTracker(5)
	tracker.RecordFailure("job-2", "err")
	if tracker.GetAttempt("job-2") != 1 {
		t.Fatalf("expected 1 attempt tracked")
	}
	tracker.Clear("job-2")
	if tracker.GetAttempt("job-2") != 0 {
		t.Fatalf("expected state cleared")
	}
	if !tracker.IsEmpty() {
		t.Fatalf("expected tracker empty after clear")
	}
}

func TestTracker_CleanupStaleRemovesOldEntries(t *testing.T) {
	tracker := NewTracker(10)
	tracker.RecordFailure("old", "err")
	tracker.states["old"].LastFailure = time.Now().Add(-time.Hour)
	tracker.RecordFailure("fresh", "err")

	removed := tracker.CleanupStale(time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if tracker.GetAttempt("old") != 0 {
		t.Fatalf("expected old entry gone")
	}
	if tracker.GetAttempt("fresh") != 1 {
		t.Fatalf("expected fresh entry kept")
	}
}

func TestCalculateBackoff_CapsAtMaxDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second
	for attempt := uint32(1); attempt <= 40; attempt++ {
		delay := CalculateBackoff(attempt, base, max)
		if delay > max {
			t.Fatalf("attempt %d: delay %s exceeds max %s", attempt, delay, max)
		}
		if delay < 0 {
			t.Fatalf("attempt %d: negative delay %s", attempt, delay)
		}
	}
}

func TestCalculateBackoff_GrowsWithAttempt(t *testing.T) {
	base := 10 * time.Millisecond
	max := time.Hour
	first := CalculateBackoff(1, base, max)
	// jitter makes exact comparisons flaky, but attempt 5 should dwarf attempt 1's range.
	fifth := CalculateBackoff(5, base, max)
	if fifth <= first {
		t.Fatalf("expected backoff to grow: attempt1=%s attempt5=%s", first, fifth)
	}
}

func TestStartCleanup_RemovesStaleEntriesOnTick(t *testing.T) {
	tracker := NewTracker(10)
	tracker.RecordFailure("stale", "err")
	tracker.states["stale"].LastFailure = time.Now().Add(-time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	guard := StartCleanup(ctx, tracker, 10*time.Millisecond, time.Minute)
	defer guard.Close()

	deadline := time.Now().Add(2 * time.Second)
	for tracker.GetAttempt("stale") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stale entry was not cleaned up in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
