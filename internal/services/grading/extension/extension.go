// Package extension grants automatic due date extensions to students who
// registered after an assignment unlocked.
package extension

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
)

// Policy configures extension eligibility.
type Policy struct {
	// RegistrationDeadline is the last unlock date for which late registrants
	// still receive extensions.
	RegistrationDeadline time.Time
	GraceDays            int
}

// Plan lists the override changes for one assignment. Removals are applied
// before creations.
type Plan struct {
	Assignment domain.Assignment
	ToCreate   []domain.Override
	ToRemove   []domain.Override
}

// Empty reports whether the plan has no changes.
func (p Plan) Empty() bool {
	return len(p.ToCreate) == 0 && len(p.ToRemove) == 0
}

// LateDate is the end of the day graceDays after registration in loc.
func LateDate(registeredAt time.Time, graceDays int, loc *time.Location) time.Time {
	return domain.EndOfDay(registeredAt.In(loc).AddDate(0, 0, graceDays), loc)
}

// ExtensionTitle is the title of the single-student override created for an
// extension. Titles are unique per assignment so creation can be verified.
func ExtensionTitle(assignment domain.Assignment, studentID string) string {
	return fmt.Sprintf("%s-extension-%s", assignment.Name, studentID)
}

// PlanExtensions computes override changes for every assignment already
// unlocked at now. Assignments with invalid configuration are skipped and
// reported; the rest are still planned.
func PlanExtensions(course domain.CourseSection, assignments []domain.Assignment, students []domain.Student, policy Policy, now time.Time) ([]Plan, domain.Report) {
	var report domain.Report
	plans := make([]Plan, 0)
	loc := course.TimeZone()
	for _, assignment := range assignments {
		if assignment.UnlockAt.IsZero() || assignment.UnlockAt.After(now) {
			continue
		}
		plan, err := planAssignment(course, assignment, students, policy, loc)
		report.Processed++
		if err != nil {
			report.Fail("assignment "+assignment.Name, err)
			continue
		}
		if !plan.Empty() {
			plans = append(plans, plan)
		}
	}
	return plans, report
}

func planAssignment(course domain.CourseSection, assignment domain.Assignment, students []domain.Student, policy Policy, loc *time.Location) (Plan, error) {
	plan := Plan{Assignment: assignment}
	if err := domain.ValidateAssignment(course, assignment); err != nil {
		return plan, err
	}
	if assignment.UnlockAt.After(policy.RegistrationDeadline) {
		return plan, nil
	}

	removed := make(map[string]bool)
	residuals := make(map[string]domain.Override)
	for _, student := range students {
		if student.Status == domain.StudentInactive || student.RegisteredAt.IsZero() {
			continue
		}
		if !student.RegisteredAt.After(assignment.UnlockAt) {
			continue
		}
		due, override, err := domain.EffectiveDueDate(course, assignment, student)
		if err != nil {
			return plan, err
		}
		lateDate := LateDate(student.RegisteredAt, policy.GraceDays, loc)
		if !lateDate.After(due) {
			continue
		}

		held := heldOverride(assignment, student.ID, override)
		if held != nil {
			if !removed[held.ID] {
				removed[held.ID] = true
				plan.ToRemove = append(plan.ToRemove, *held)
				residuals[held.ID] = *held
			}
			residuals[held.ID] = residuals[held.ID].Without(student.ID)
		}

		lockAt := assignment.LockAt
		if !lockAt.IsZero() && lockAt.Before(lateDate) {
			lockAt = lateDate
		}
		plan.ToCreate = append(plan.ToCreate, domain.Override{
			Title:      ExtensionTitle(assignment, student.ID),
			UnlockAt:   assignment.UnlockAt,
			DueAt:      lateDate,
			LockAt:     lockAt,
			StudentIDs: []string{student.ID},
		})
	}

	ids := make([]string, 0, len(residuals))
	for id := range residuals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		residual := residuals[id]
		residual.ID = ""
		if len(residual.StudentIDs) > 0 {
			plan.ToCreate = append(plan.ToCreate, residual)
		}
	}
	return plan, nil
}

// heldOverride returns the override holding studentID. The winning override
// is preferred; otherwise any override listing the student is returned so a
// losing override is still replaced rather than duplicated.
func heldOverride(assignment domain.Assignment, studentID string, winning *domain.Override) *domain.Override {
	if winning != nil {
		return winning
	}
	for _, o := range assignment.SortedOverrides() {
		if o.HasStudent(studentID) {
			o := o
			return &o
		}
	}
	return nil
}

// Reconciler applies extension plans to the LMS and verifies the result.
type Reconciler struct {
	lms    domain.LMS
	dryRun bool
	logf   func(string, ...any)
}

// NewReconciler creates a reconciler writing through lms.
func NewReconciler(lms domain.LMS, dryRun bool, logf func(string, ...any)) *Reconciler {
	if logf == nil {
		logf = log.Printf
	}
	return &Reconciler{lms: lms, dryRun: dryRun, logf: logf}
}

// Apply removes then creates the plan's overrides, re-reading the assignment
// after each write to confirm the LMS reflects it.
func (r *Reconciler) Apply(ctx context.Context, plan Plan) error {
	if r == nil || r.lms == nil {
		return domain.ErrNotConfigured
	}
	assignment := plan.Assignment
	if r.dryRun {
		for _, o := range plan.ToRemove {
			r.logf("dry run: remove override %s (%s) from %s", o.ID, o.Title, assignment.Name)
		}
		for _, o := range plan.ToCreate {
			r.logf("dry run: create override %s for %v due %s on %s", o.Title, o.StudentIDs, o.DueAt.Format(time.RFC3339), assignment.Name)
		}
		return nil
	}

	if len(plan.ToRemove) > 0 {
		if err := r.lms.DeleteOverrides(ctx, assignment, plan.ToRemove); err != nil {
			return fmt.Errorf("delete overrides on %s: %w", assignment.Name, err)
		}
		current, err := r.refetch(ctx, assignment)
		if err != nil {
			return err
		}
		for _, o := range plan.ToRemove {
			if _, ok := current.Overrides[o.ID]; ok {
				return domain.NewVerificationError(domain.VerifyOverrideRemove, assignment.Name,
					"override %s (%s) still present after removal", o.ID, o.Title)
			}
		}
	}

	if len(plan.ToCreate) > 0 {
		if err := r.lms.CreateOverrides(ctx, assignment, plan.ToCreate); err != nil {
			return fmt.Errorf("create overrides on %s: %w", assignment.Name, err)
		}
		current, err := r.refetch(ctx, assignment)
		if err != nil {
			return err
		}
		for _, o := range plan.ToCreate {
			matches := 0
			for _, existing := range current.Overrides {
				if existing.Title == o.Title {
					matches++
				}
			}
			if matches != 1 {
				return domain.NewVerificationError(domain.VerifyOverrideUpload, assignment.Name,
					"found %d overrides titled %q after creation, want 1", matches, o.Title)
			}
		}
	}
	return nil
}

func (r *Reconciler) refetch(ctx context.Context, assignment domain.Assignment) (domain.Assignment, error) {
	assignments, err := r.lms.GetAssignments(ctx)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("re-read assignments: %w", err)
	}
	for _, a := range assignments {
		if a.ID == assignment.ID {
			return a, nil
		}
	}
	return domain.Assignment{}, domain.NewVerificationError(domain.VerifyOverrideUpload, assignment.Name,
		"assignment %s disappeared after override write", assignment.ID)
}
