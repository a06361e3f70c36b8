// Package snapshot plans and captures deadline snapshots of student work.
//
// Snapshot names are deterministic, so whether a snapshot has been taken is a
// set-membership query against the store. No local bookkeeping is kept and a
// restarted process plans the same work.
package snapshot

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
)

func pastDue(course domain.CourseSection, due time.Time, now time.Time) bool {
	if due.IsZero() || due.After(now) {
		return false
	}
	return course.StartAt.IsZero() || !due.Before(course.StartAt)
}

// Plan returns every snapshot that should exist at now: one course-wide
// snapshot per past-due assignment and one per member student of each
// past-due override.
func Plan(course domain.CourseSection, assignments []domain.Assignment, now time.Time) []domain.Snapshot {
	required := make([]domain.Snapshot, 0, len(assignments))
	for _, a := range assignments {
		if pastDue(course, a.DueAt, now) {
			required = append(required, domain.Snapshot{
				Course:       course.Name,
				Assignment:   a.Name,
				AssignmentID: a.ID,
			})
		}
		for _, o := range a.SortedOverrides() {
			if !pastDue(course, o.DueAt, now) {
				continue
			}
			students := append([]string(nil), o.StudentIDs...)
			sort.Strings(students)
			for _, studentID := range students {
				required = append(required, domain.Snapshot{
					Course:       course.Name,
					Assignment:   a.Name,
					AssignmentID: a.ID,
					OverrideID:   o.ID,
					StudentID:    studentID,
				})
			}
		}
	}
	return required
}

// ToTake returns the required snapshots whose names are not in existing.
func ToTake(required []domain.Snapshot, existing []string) []domain.Snapshot {
	have := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		have[name] = struct{}{}
	}
	out := make([]domain.Snapshot, 0)
	for _, snap := range required {
		name := snap.Name()
		if _, ok := have[name]; ok {
			continue
		}
		have[name] = struct{}{}
		out = append(out, snap)
	}
	return out
}

// Taker captures snapshots through a store and verifies them.
type Taker struct {
	store  domain.SnapshotStore
	dryRun bool
	logf   func(string, ...any)
}

// NewTaker creates a Taker.
func NewTaker(store domain.SnapshotStore, dryRun bool, logf func(string, ...any)) *Taker {
	if logf == nil {
		logf = log.Printf
	}
	return &Taker{store: store, dryRun: dryRun, logf: logf}
}

// Existing lists the names already in the store.
func (t *Taker) Existing(ctx context.Context) ([]string, error) {
	if t == nil || t.store == nil {
		return nil, domain.ErrNotConfigured
	}
	names, err := t.store.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return names, nil
}

// Take captures each snapshot, then re-lists the store and fails if any
// captured snapshot is absent. A shortfall means capture is broken and is not
// retried here.
func (t *Taker) Take(ctx context.Context, snaps []domain.Snapshot) error {
	if t == nil || t.store == nil {
		return domain.ErrNotConfigured
	}
	if len(snaps) == 0 {
		return nil
	}
	if t.dryRun {
		for _, snap := range snaps {
			t.logf("dry run: take snapshot %s", snap.Name())
		}
		return nil
	}

	var report domain.Report
	taken := make([]domain.Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		t.logf("taking snapshot %s", snap.Name())
		if err := t.store.TakeSnapshot(ctx, snap); err != nil {
			report.Fail("snapshot "+snap.Name(), err)
			continue
		}
		taken = append(taken, snap)
	}

	existing, err := t.Existing(ctx)
	if err != nil {
		report.Fail("verify snapshots", err)
		return report.Err()
	}
	for _, snap := range ToTake(taken, existing) {
		report.Fail("snapshot "+snap.Name(), domain.NewVerificationError(domain.VerifySnapshot, snap.Name(),
			"snapshot missing from store after capture"))
	}
	return report.Err()
}

// Run plans, diffs, takes and verifies snapshots for one course section.
func (t *Taker) Run(ctx context.Context, course domain.CourseSection, assignments []domain.Assignment, now time.Time) (int, error) {
	existing, err := t.Existing(ctx)
	if err != nil {
		return 0, err
	}
	pending := ToTake(Plan(course, assignments, now), existing)
	return len(pending), t.Take(ctx, pending)
}
