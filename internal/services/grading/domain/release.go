package domain

import "time"

// DefaultReturnThreshold is the past-due fraction at which solutions and
// feedback may be returned.
const DefaultReturnThreshold = 0.93

// ReleasePolicy gates what students may see for an assignment.
type ReleasePolicy struct {
	Threshold float64
	// EarliestReturn is a global floor; nothing is returned before it.
	EarliestReturn time.Time
}

// PastDueFraction is the share of submissions whose effective due date is not
// after now. An empty roster yields zero.
func PastDueFraction(subs []Submission, now time.Time) float64 {
	if len(subs) == 0 {
		return 0
	}
	notDue := 0
	for _, sub := range subs {
		if sub.DueAt.After(now) {
			notDue++
		}
	}
	return float64(len(subs)-notDue) / float64(len(subs))
}

func (p ReleasePolicy) threshold() float64 {
	if p.Threshold <= 0 {
		return DefaultReturnThreshold
	}
	return p.Threshold
}

func (p ReleasePolicy) open(subs []Submission, now time.Time) bool {
	if !p.EarliestReturn.IsZero() && now.Before(p.EarliestReturn) {
		return false
	}
	return PastDueFraction(subs, now) >= p.threshold()
}

// ShouldReturnSolution reports whether the assignment-level solution gate is open.
func (p ReleasePolicy) ShouldReturnSolution(subs []Submission, now time.Time) bool {
	return p.open(subs, now)
}

// ShouldReturnFeedback reports whether the assignment-level feedback gate is open.
func (p ReleasePolicy) ShouldReturnFeedback(subs []Submission, now time.Time) bool {
	return p.open(subs, now)
}

// SolutionDueFor reports whether sub may receive the solution: its own due
// date has passed and its work is frozen in the grader workspace. Missing
// submissions only ever receive a zero grade.
func SolutionDueFor(sub Submission, now time.Time) bool {
	return !sub.DueAt.After(now) && sub.Status.Collected()
}

// FeedbackDueFor reports whether sub may receive feedback. Missing
// submissions only ever receive a zero grade.
func FeedbackDueFor(sub Submission, now time.Time) bool {
	return !sub.DueAt.After(now) && sub.Status != StatusMissing
}
