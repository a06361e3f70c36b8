package domain

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// CourseSection is the LMS view of one course section for a single pass.
type CourseSection struct {
	ID       string
	Name     string
	Location *time.Location
	StartAt  time.Time
	EndAt    time.Time
}

// TimeZone returns the section location, falling back to UTC.
func (c CourseSection) TimeZone() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// StudentStatus is the enrollment state reported by the LMS.
type StudentStatus string

const (
	StudentActive   StudentStatus = "active"
	StudentInactive StudentStatus = "inactive"
)

// Student is one enrolled learner.
type Student struct {
	ID           string
	Name         string
	RegisteredAt time.Time
	Status       StudentStatus
}

// Person is a non-student course member such as an instructor or TA.
type Person struct {
	ID    string
	Name  string
	Email string
}

// Override replaces an assignment's dates for its member students.
type Override struct {
	ID         string
	Title      string
	UnlockAt   time.Time
	DueAt      time.Time
	LockAt     time.Time
	StudentIDs []string
}

// HasStudent reports whether studentID is a member of the override.
func (o Override) HasStudent(studentID string) bool {
	for _, id := range o.StudentIDs {
		if id == studentID {
			return true
		}
	}
	return false
}

// Without returns a copy of o without studentID. The copy has no ID because it
// describes an override that still has to be created.
func (o Override) Without(studentID string) Override {
	residual := o
	residual.ID = ""
	residual.StudentIDs = make([]string, 0, len(o.StudentIDs))
	for _, id := range o.StudentIDs {
		if id != studentID {
			residual.StudentIDs = append(residual.StudentIDs, id)
		}
	}
	return residual
}

// Assignment is one LMS assignment with its overrides keyed by override id.
type Assignment struct {
	ID        string
	Name      string
	UnlockAt  time.Time
	DueAt     time.Time
	LockAt    time.Time
	Overrides map[string]Override
	Published bool
	// PointsPossible is the LMS maximum score. Zero means grades are stored
	// as raw percentages.
	PointsPossible float64
}

// ScoreTolerance is how far, in LMS points, a stored score may drift from the
// uploaded one before the upload counts as lost.
const ScoreTolerance = 0.01

// PointsFor converts a percentage grade into LMS points.
func (a Assignment) PointsFor(percent float64) float64 {
	if a.PointsPossible <= 0 {
		return percent
	}
	return percent * a.PointsPossible / 100
}

// PercentOf converts LMS points into a percentage grade.
func (a Assignment) PercentOf(points float64) float64 {
	if a.PointsPossible <= 0 {
		return points
	}
	return 100 * points / a.PointsPossible
}

// SortedOverrides returns the overrides ordered by id.
func (a Assignment) SortedOverrides() []Override {
	out := make([]Override, 0, len(a.Overrides))
	for _, o := range a.Overrides {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SubmissionRecord is the LMS grade state of one (assignment, student) pair.
// Score is a percentage of the assignment's points.
type SubmissionRecord struct {
	StudentID string
	Score     *float64
	PostedAt  time.Time
	Missing   bool
	Late      bool
}

// Graded reports whether any score has been stored in the LMS.
func (r SubmissionRecord) Graded() bool {
	return r.Score != nil
}

// Status is the lifecycle stage reached by a submission in the current pass.
type Status string

const (
	StatusAssigned         Status = "ASSIGNED"
	StatusNotDue           Status = "NOT_DUE"
	StatusMissing          Status = "MISSING"
	StatusCollected        Status = "COLLECTED"
	StatusPrepared         Status = "PREPARED"
	StatusAutograded       Status = "AUTOGRADED"
	StatusNeedsManualGrade Status = "NEEDS_MANUAL_GRADE"
	StatusDoneGrading      Status = "DONE_GRADING"
)

// Collected reports whether the submission's work has been copied out of its
// snapshot.
func (s Status) Collected() bool {
	switch s {
	case StatusCollected, StatusPrepared, StatusAutograded, StatusNeedsManualGrade, StatusDoneGrading:
		return true
	}
	return false
}

// Submission is the per-pass reconstruction of one student's work on one
// assignment. It is never persisted.
type Submission struct {
	Assignment Assignment
	Student    Student
	DueAt      time.Time
	Override   *Override
	Grader     *Grader
	Status     Status
	Record     SubmissionRecord
}

// Key identifies the submission inside one course section.
func (s Submission) Key() string {
	return s.Assignment.ID + "/" + s.Student.ID
}

// Grader is a logical grading worker bound to a human account for one
// assignment.
type Grader struct {
	Name       string
	Account    string
	Email      string
	Assignment string
	Workload   int
	Workspace  Workspace
}

// Snapshot names a captured copy of student work. The encoding is
// deterministic so existence checks reduce to set membership by name.
type Snapshot struct {
	Course       string
	Assignment   string
	AssignmentID string
	OverrideID   string
	StudentID    string
}

var snapshotUnsafe = regexp.MustCompile(`[^A-Za-z0-9_.]+`)

func snapshotToken(value string) string {
	value = snapshotUnsafe.ReplaceAllString(strings.TrimSpace(value), "_")
	return strings.Trim(value, "_")
}

// Name returns the snapshot store name.
func (s Snapshot) Name() string {
	parts := []string{snapshotToken(s.Course), snapshotToken(s.Assignment), snapshotToken(s.AssignmentID)}
	if s.OverrideID != "" {
		parts = append(parts, "override", snapshotToken(s.OverrideID))
	}
	if s.StudentID != "" {
		parts = append(parts, "student", snapshotToken(s.StudentID))
	}
	return strings.Join(parts, "-")
}

// SnapshotFor returns the snapshot holding a submission's work: the
// per-student override snapshot when an override set the due date, otherwise
// the course-wide snapshot.
func SnapshotFor(course CourseSection, sub Submission) Snapshot {
	snap := Snapshot{
		Course:       course.Name,
		Assignment:   sub.Assignment.Name,
		AssignmentID: sub.Assignment.ID,
	}
	if sub.Override != nil {
		snap.OverrideID = sub.Override.ID
		snap.StudentID = sub.Student.ID
	}
	return snap
}

// EndOfDay returns the last second of t's calendar day in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 0, loc)
}
