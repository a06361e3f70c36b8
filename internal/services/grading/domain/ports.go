package domain

import "context"

// LMS is the learning management system bound to one course section. All
// list calls drain pagination before returning.
type LMS interface {
	GetCourseSectionInfo(ctx context.Context) (CourseSection, error)
	GetStudents(ctx context.Context) ([]Student, error)
	GetInstructors(ctx context.Context) ([]Person, error)
	GetAssignments(ctx context.Context) ([]Assignment, error)
	GetSubmissions(ctx context.Context, assignment Assignment) ([]SubmissionRecord, error)
	UpdateGrade(ctx context.Context, assignment Assignment, studentID string, score float64) error
	CreateOverrides(ctx context.Context, assignment Assignment, overrides []Override) error
	DeleteOverrides(ctx context.Context, assignment Assignment, overrides []Override) error
}

// GradingEngine produces assignment artifacts, grades and feedback inside a
// grader workspace. Completion is observed through the workspace, not through
// return values.
type GradingEngine interface {
	BuildGrader(ctx context.Context, grader Grader) error
	GenerateAssignment(ctx context.Context, grader Grader, assignment Assignment) error
	GenerateSolution(ctx context.Context, grader Grader, assignment Assignment) error
	Autograde(ctx context.Context, grader Grader, sub Submission) error
	GenerateFeedback(ctx context.Context, grader Grader, sub Submission) error
	NeedsManualGrading(ctx context.Context, grader Grader, sub Submission) (bool, error)
	SubmissionPercentGrade(ctx context.Context, grader Grader, sub Submission) (float64, error)
}

// Document is a file returned to one student.
type Document struct {
	StudentID  string
	Assignment string
	Source     string
	Name       string
}

// SnapshotStore captures and reads point-in-time copies of student work.
type SnapshotStore interface {
	ListSnapshots(ctx context.Context) ([]string, error)
	TakeSnapshot(ctx context.Context, snap Snapshot) error
	// CollectSnapshot copies the student's work out of snap into dest. It
	// returns ErrNoSubmission when the snapshot holds no work for the student.
	CollectSnapshot(ctx context.Context, snap Snapshot, sub Submission, dest string) error
	Distributed(ctx context.Context, doc Document) (bool, error)
	Distribute(ctx context.Context, doc Document) error
}

// WorkspaceProvisioner creates grader workspace volumes.
type WorkspaceProvisioner interface {
	EnsureWorkspace(ctx context.Context, grader Grader) error
}

// Notifier queues operator-facing messages.
type Notifier interface {
	Routine(recipient string, message string)
	Failure(recipient string, message string)
}
