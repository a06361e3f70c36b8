package domain

import (
	"errors"
	"testing"
	"time"
)

func submissionsDue(now time.Time, pastDue, notDue int) []Submission {
	subs := make([]Submission, 0, pastDue+notDue)
	for i := 0; i < pastDue; i++ {
		subs = append(subs, Submission{DueAt: now.Add(-time.Hour)})
	}
	for i := 0; i < notDue; i++ {
		subs = append(subs, Submission{DueAt: now.Add(time.Hour)})
	}
	return subs
}

func TestPastDueFraction(t *testing.T) {
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	if got := PastDueFraction(nil, now); got != 0 {
		t.Fatalf("empty fraction = %v, want 0", got)
	}
	if got := PastDueFraction(submissionsDue(now, 18, 2), now); got != 0.9 {
		t.Fatalf("fraction = %v, want 0.9", got)
	}
}

func TestPastDueFraction_NonDecreasingOverTime(t *testing.T) {
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	subs := make([]Submission, 0, 10)
	for i := 0; i < 10; i++ {
		subs = append(subs, Submission{DueAt: start.Add(time.Duration(i*7) * time.Hour)})
	}
	prev := -1.0
	for h := 0; h < 80; h++ {
		got := PastDueFraction(subs, start.Add(time.Duration(h)*time.Hour))
		if got < prev {
			t.Fatalf("fraction decreased at hour %d: %v < %v", h, got, prev)
		}
		prev = got
	}
}

func TestReleasePolicy_ThresholdWithholdsSolution(t *testing.T) {
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	policy := ReleasePolicy{Threshold: 0.93, EarliestReturn: now.AddDate(0, 0, -7)}
	if policy.ShouldReturnSolution(submissionsDue(now, 18, 2), now) {
		t.Fatal("expected solution withheld at 0.9 < 0.93")
	}
	if !policy.ShouldReturnSolution(submissionsDue(now, 20, 0), now) {
		t.Fatal("expected solution returned when all past due")
	}
}

func TestReleasePolicy_EarliestReturnFloor(t *testing.T) {
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	policy := ReleasePolicy{Threshold: 0.5, EarliestReturn: now.Add(time.Hour)}
	if policy.ShouldReturnFeedback(submissionsDue(now, 10, 0), now) {
		t.Fatal("expected feedback withheld before earliest return date")
	}
	if !policy.ShouldReturnFeedback(submissionsDue(now, 10, 0), now.Add(2*time.Hour)) {
		t.Fatal("expected feedback returned after earliest return date")
	}
}

func TestReleasePolicy_DefaultThreshold(t *testing.T) {
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	var policy ReleasePolicy
	if policy.ShouldReturnSolution(submissionsDue(now, 92, 8), now) {
		t.Fatal("expected default threshold to withhold 0.92")
	}
	if !policy.ShouldReturnSolution(submissionsDue(now, 93, 7), now) {
		t.Fatal("expected default threshold to allow 0.93")
	}
}

func TestFeedbackDueFor_MissingNeverReceivesFeedback(t *testing.T) {
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	sub := Submission{DueAt: now.Add(-time.Hour), Status: StatusMissing}
	if FeedbackDueFor(sub, now) {
		t.Fatal("missing submission must not receive feedback")
	}
	if SolutionDueFor(sub, now) {
		t.Fatal("missing submission must not receive the solution")
	}
	sub.Status = StatusDoneGrading
	sub.DueAt = now.Add(time.Hour)
	if FeedbackDueFor(sub, now) {
		t.Fatal("feedback must wait for the student's own due date")
	}
}

func TestSolutionDueFor_RequiresCollectedWork(t *testing.T) {
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		status Status
		due    time.Time
		want   bool
	}{
		{StatusAssigned, now.Add(-time.Hour), false},
		{StatusNotDue, now.Add(time.Hour), false},
		{StatusMissing, now.Add(-time.Hour), false},
		{StatusCollected, now.Add(-time.Hour), true},
		{StatusNeedsManualGrade, now.Add(-time.Hour), true},
		{StatusDoneGrading, now.Add(-time.Hour), true},
		{StatusDoneGrading, now.Add(time.Hour), false},
	}
	for _, tc := range tests {
		sub := Submission{DueAt: tc.due, Status: tc.status}
		if got := SolutionDueFor(sub, now); got != tc.want {
			t.Fatalf("SolutionDueFor(%s, due %v) = %v, want %v", tc.status, tc.due, got, tc.want)
		}
	}
}

func TestReport_IsolatesFailures(t *testing.T) {
	var report Report
	report.Fail("s1", nil)
	if report.Err() != nil {
		t.Fatalf("nil failures should not produce an error")
	}
	report.Fail("s1", &EngineError{Op: "autograde", Cause: errors.New("boom")})
	report.Fail("s2", NewVerificationError(VerifyArtifact, "s2", "missing"))
	err := report.Err()
	if !errors.Is(err, ErrEngine) || !errors.Is(err, ErrVerification) {
		t.Fatalf("joined error = %v, want engine and verification", err)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	err := Permanent(errors.New("bad image"))
	if !IsPermanent(err) {
		t.Fatal("expected permanent")
	}
	if IsPermanent(errors.New("timeout")) {
		t.Fatal("plain error should be retryable")
	}
}
