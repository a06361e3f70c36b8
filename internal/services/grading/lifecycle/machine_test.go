package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
	"github.com/louisbranch/gradeloop/internal/services/grading/graders"
	"github.com/louisbranch/gradeloop/internal/testkit/gradingfakes"
)

var pst = time.FixedZone("PST", -8*60*60)

const notebook = `{"cells":[{"id":"c1","cell_type":"code","metadata":{},"outputs":[],"execution_count":null,"source":"x = 1"}],"nbformat":4}`

type harness struct {
	course     domain.CourseSection
	assignment domain.Assignment
	lms        *gradingfakes.LMS
	store      *gradingfakes.SnapshotStore
	engine     *gradingfakes.Engine
	notifier   *gradingfakes.Notifier
	roster     []*domain.Grader
	root       string
	now        time.Time
	init       *recordingInit
	dryRun     bool
}

type recordingInit struct {
	calls int
	err   error
}

func (r *recordingInit) Initialize(context.Context, *domain.Grader, domain.Assignment) error {
	r.calls++
	return r.err
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	course := domain.CourseSection{ID: "c1", Name: "stat201", Location: pst, StartAt: time.Date(2024, 1, 1, 0, 0, 0, 0, pst)}
	a := domain.Assignment{
		ID:        "a1",
		Name:      "worksheet_01",
		UnlockAt:  time.Date(2024, 1, 3, 0, 0, 0, 0, pst),
		DueAt:     time.Date(2024, 1, 10, 23, 59, 0, 0, pst),
		Overrides: map[string]domain.Override{},
	}
	lms := gradingfakes.NewLMS(course)
	lms.Students = []domain.Student{
		{ID: "s1", Status: domain.StudentActive},
		{ID: "s2", Status: domain.StudentActive},
		{ID: "s3", Status: domain.StudentActive},
	}
	lms.PutAssignment(a)

	store := gradingfakes.NewSnapshotStore()
	store.Names[domain.Snapshot{Course: course.Name, Assignment: a.Name, AssignmentID: a.ID}.Name()] = true
	store.Work["s1"] = notebook
	store.Work["s2"] = notebook

	h := &harness{
		course:     course,
		assignment: a,
		lms:        lms,
		store:      store,
		engine:     gradingfakes.NewEngine(),
		notifier:   &gradingfakes.Notifier{},
		root:       t.TempDir(),
		now:        a.DueAt.Add(24 * time.Hour),
		init:       &recordingInit{},
	}
	h.newRoster()
	return h
}

func (h *harness) newRoster() {
	h.roster = []*domain.Grader{
		graders.New(h.course, h.assignment, graders.Spec{Account: "ta1", Email: "ta1@example.com"}, h.root, ""),
		graders.New(h.course, h.assignment, graders.Spec{Account: "ta2", Email: "ta2@example.com"}, h.root, ""),
	}
}

func (h *harness) run(t *testing.T) Result {
	t.Helper()
	res, err := h.machine(t).ProcessAssignment(context.Background(), h.course, h.assignment, h.lms.Students, h.roster)
	if err != nil {
		t.Fatalf("process assignment: %v", err)
	}
	return res
}

func (h *harness) machine(t *testing.T) *Machine {
	return NewMachine(Config{
		LMS:       h.lms,
		Engine:    h.engine,
		Snapshots: h.store,
		Bootstrap: h.init,
		Notifier:  h.notifier,
		Admin:     "admin@example.com",
		DryRun:    h.dryRun,
		Logf:      t.Logf,
		Now:       func() time.Time { return h.now },
	})
}

func statusOf(res Result, studentID string) domain.Status {
	for _, sub := range res.Submissions {
		if sub.Student.ID == studentID {
			return sub.Status
		}
	}
	return ""
}

func TestProcessAssignment_FullPass(t *testing.T) {
	h := newHarness(t)
	res := h.run(t)

	if err := res.Report.Err(); err != nil {
		t.Fatalf("report: %v", err)
	}
	for id, want := range map[string]domain.Status{"s1": domain.StatusDoneGrading, "s2": domain.StatusDoneGrading, "s3": domain.StatusMissing} {
		if got := statusOf(res, id); got != want {
			t.Fatalf("%s status = %s, want %s", id, got, want)
		}
	}
	if len(h.lms.GradeUploads) != 3 {
		t.Fatalf("grade uploads = %d, want 3", len(h.lms.GradeUploads))
	}
	for _, u := range h.lms.GradeUploads {
		want := 100.0
		if u.StudentID == "s3" {
			want = 0
		}
		if u.Score != want {
			t.Fatalf("%s score = %v, want %v", u.StudentID, u.Score, want)
		}
	}
	if !h.store.HasDocument("s1", "worksheet_01", "worksheet_01_feedback.html") {
		t.Fatal("expected feedback for s1")
	}
	if h.store.HasDocument("s3", "worksheet_01", "worksheet_01_feedback.html") {
		t.Fatal("missing submission received feedback")
	}
	if !h.store.HasDocument("s1", "worksheet_01", "worksheet_01_solution.html") {
		t.Fatal("expected solution for s1")
	}
	if h.store.HasDocument("s3", "worksheet_01", "worksheet_01_solution.html") {
		t.Fatal("missing submission received the solution")
	}
	if h.init.calls != 2 {
		t.Fatalf("bootstrap calls = %d, want 2", h.init.calls)
	}
}

func TestProcessAssignment_SecondPassIsIdempotent(t *testing.T) {
	h := newHarness(t)
	first := h.run(t)
	autograded := len(h.engine.Autograded)
	collected := len(h.store.Collected)

	bound := make(map[string]string)
	for _, sub := range first.Submissions {
		if sub.Grader != nil {
			bound[sub.Student.ID] = sub.Grader.Name
		}
	}

	h.newRoster()
	second := h.run(t)
	if second.Uploaded != 0 || second.Returned != 0 {
		t.Fatalf("second pass uploaded %d returned %d, want 0", second.Uploaded, second.Returned)
	}
	if len(h.engine.Autograded) != autograded || len(h.store.Collected) != collected {
		t.Fatalf("second pass repeated engine or collection work")
	}
	for _, sub := range second.Submissions {
		if sub.Status == domain.StatusMissing {
			continue
		}
		if sub.Grader.Name != bound[sub.Student.ID] {
			t.Fatalf("%s moved from %s to %s", sub.Student.ID, bound[sub.Student.ID], sub.Grader.Name)
		}
	}
}

func TestProcessAssignment_NotDue(t *testing.T) {
	h := newHarness(t)
	h.now = h.assignment.DueAt.Add(-time.Minute)
	res := h.run(t)
	if res.Count(domain.StatusNotDue) != 3 {
		t.Fatalf("not due = %d, want 3", res.Count(domain.StatusNotDue))
	}
	if len(h.store.Collected) != 0 || len(h.lms.GradeUploads) != 0 {
		t.Fatal("expected no action before the due date")
	}
}

func TestProcessAssignment_WaitsForSnapshot(t *testing.T) {
	h := newHarness(t)
	h.store.Names = map[string]bool{}
	res := h.run(t)
	if res.Count(domain.StatusAssigned) != 3 {
		t.Fatalf("assigned = %d, want 3", res.Count(domain.StatusAssigned))
	}
	if len(h.lms.GradeUploads) != 0 {
		t.Fatalf("uploads = %d, want 0 before the snapshot exists", len(h.lms.GradeUploads))
	}
}

func TestProcessAssignment_SolutionWaitsForOwnSnapshot(t *testing.T) {
	h := newHarness(t)
	h.assignment.Overrides["o1"] = domain.Override{ID: "o1", DueAt: h.now.Add(-time.Hour), StudentIDs: []string{"s1"}}
	res := h.run(t)

	if got := statusOf(res, "s1"); got != domain.StatusAssigned {
		t.Fatalf("s1 status = %s, want %s", got, domain.StatusAssigned)
	}
	if h.store.HasDocument("s1", "worksheet_01", "worksheet_01_solution.html") {
		t.Fatal("solution returned before s1's work was captured")
	}
	if !h.store.HasDocument("s2", "worksheet_01", "worksheet_01_solution.html") {
		t.Fatal("expected solution for collected s2")
	}
}

func TestProcessAssignment_AutogradeFailureIsolated(t *testing.T) {
	h := newHarness(t)
	h.engine.AutogradeErr["s1"] = domain.Permanent(errors.New("container start failed after 5 attempts"))
	res := h.run(t)

	err := res.Report.Err()
	if !errors.Is(err, domain.ErrEngine) {
		t.Fatalf("report = %v, want engine error", err)
	}
	if len(res.Report.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(res.Report.Failures))
	}
	if got := statusOf(res, "s2"); got != domain.StatusDoneGrading {
		t.Fatalf("sibling status = %s, want %s", got, domain.StatusDoneGrading)
	}
	if len(h.notifier.Failures) != 1 || h.notifier.Failures[0].Recipient != "admin@example.com" {
		t.Fatalf("failures notified = %+v", h.notifier.Failures)
	}
}

func TestProcessAssignment_ManualGrading(t *testing.T) {
	h := newHarness(t)
	h.engine.ManualGrading["s1"] = true
	res := h.run(t)

	if got := statusOf(res, "s1"); got != domain.StatusNeedsManualGrade {
		t.Fatalf("s1 status = %s, want %s", got, domain.StatusNeedsManualGrade)
	}
	if h.store.HasDocument("s1", "worksheet_01", "worksheet_01_feedback.html") {
		t.Fatal("feedback returned before manual grading finished")
	}
	if len(h.notifier.Routines) != 1 {
		t.Fatalf("routine notices = %+v, want one manual grading reminder", h.notifier.Routines)
	}

	var grader *domain.Grader
	for _, sub := range res.Submissions {
		if sub.Student.ID == "s1" {
			grader = sub.Grader
		}
	}
	marker := grader.Workspace.ManualGradingDone("s1", "worksheet_01")
	if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	h.newRoster()
	res = h.run(t)
	if got := statusOf(res, "s1"); got != domain.StatusDoneGrading {
		t.Fatalf("s1 status with marker = %s, want %s", got, domain.StatusDoneGrading)
	}
	if !h.store.HasDocument("s1", "worksheet_01", "worksheet_01_feedback.html") {
		t.Fatal("expected feedback once the marker is placed")
	}
}

func TestProcessAssignment_BootstrapFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.init.err = errors.New("quota exceeded")
	_, err := h.machine(t).ProcessAssignment(context.Background(), h.course, h.assignment, h.lms.Students, h.roster)
	if err == nil {
		t.Fatal("expected assignment-level error")
	}
	if len(h.store.Collected) != 0 || len(h.lms.GradeUploads) != 0 {
		t.Fatal("submissions touched after bootstrap failure")
	}
}

func TestProcessAssignment_SubmissionFetchFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.lms.SubmissionsErr = errors.New("503")
	_, err := h.machine(t).ProcessAssignment(context.Background(), h.course, h.assignment, h.lms.Students, h.roster)
	if err == nil {
		t.Fatal("expected assignment-level error")
	}
}

func TestProcessAssignment_ReturnGateClosed(t *testing.T) {
	h := newHarness(t)
	h.assignment.Overrides["o1"] = domain.Override{ID: "o1", DueAt: h.assignment.DueAt.Add(7 * 24 * time.Hour), StudentIDs: []string{"s3"}}
	h.store.Work = map[string]string{"s1": notebook}
	res := h.run(t)

	if got := statusOf(res, "s3"); got != domain.StatusNotDue {
		t.Fatalf("s3 status = %s, want %s", got, domain.StatusNotDue)
	}
	if len(h.lms.GradeUploads) != 1 || h.lms.GradeUploads[0].StudentID != "s2" || h.lms.GradeUploads[0].Score != 0 {
		t.Fatalf("uploads = %+v, want only the zero for missing s2", h.lms.GradeUploads)
	}
	if len(h.store.Documents) != 0 {
		t.Fatalf("documents = %v, want none while the gate is closed", h.store.Documents)
	}
}

func TestProcessAssignment_GradeVerification(t *testing.T) {
	h := newHarness(t)
	h.lms.IgnoreWrites = true
	res := h.run(t)

	var verr *domain.VerificationError
	if !errors.As(res.Report.Err(), &verr) || verr.Kind != domain.VerifyGradeUpload {
		t.Fatalf("report = %v, want grade upload verification error", res.Report.Err())
	}
}

func TestProcessAssignment_GradeVerificationToleratesPointRounding(t *testing.T) {
	h := newHarness(t)
	h.assignment.PointsPossible = 3
	res := h.run(t)
	if err := res.Report.Err(); err != nil {
		t.Fatalf("report = %v, want clean verification on a 3 point assignment", err)
	}
	if res.Uploaded == 0 {
		t.Fatal("expected uploads")
	}
}

func TestProcessAssignment_DryRun(t *testing.T) {
	h := newHarness(t)
	h.dryRun = true
	h.run(t)
	if len(h.store.Collected) != 0 || len(h.lms.GradeUploads) != 0 || len(h.engine.Autograded) != 0 {
		t.Fatal("dry run mutated external state")
	}
}

func TestProcessAssignment_PendingPostingReminder(t *testing.T) {
	h := newHarness(t)
	score := 80.0
	h.lms.PutRecord("a1", domain.SubmissionRecord{StudentID: "s1", Score: &score})
	h.run(t)

	found := false
	for _, n := range h.notifier.Routines {
		if n.Recipient == "admin@example.com" {
			found = true
		}
	}
	if !found {
		t.Fatalf("routine notices = %+v, want a posting reminder for the admin", h.notifier.Routines)
	}
	for _, u := range h.lms.GradeUploads {
		if u.StudentID == "s1" {
			t.Fatal("existing grade was overwritten")
		}
	}
}
