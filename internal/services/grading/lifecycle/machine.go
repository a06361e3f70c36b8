// Package lifecycle drives submissions through collection, grading and return.
//
// No status is stored between passes. Every pass rebuilds each submission
// from the LMS roster and advances it by probing the snapshot store, the
// grader workspace and the grading engine, so an interrupted pass resumes
// where the external state says it stopped.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
	"github.com/louisbranch/gradeloop/internal/services/grading/graders"
)

// Initializer bootstraps a grader workspace for an assignment.
type Initializer interface {
	Initialize(ctx context.Context, g *domain.Grader, assignment domain.Assignment) error
}

// Config wires a Machine.
type Config struct {
	LMS       domain.LMS
	Engine    domain.GradingEngine
	Snapshots domain.SnapshotStore
	Bootstrap Initializer
	Notifier  domain.Notifier
	Policy    domain.ReleasePolicy
	// Admin receives failures and course-level reminders.
	Admin  string
	DryRun bool
	Logf   func(string, ...any)
	Now    func() time.Time
}

// Machine advances the submissions of one assignment per call.
type Machine struct {
	lms       domain.LMS
	engine    domain.GradingEngine
	snapshots domain.SnapshotStore
	bootstrap Initializer
	notifier  domain.Notifier
	policy    domain.ReleasePolicy
	admin     string
	dryRun    bool
	logf      func(string, ...any)
	now       func() time.Time
}

// NewMachine creates a Machine.
func NewMachine(cfg Config) *Machine {
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Notifier == nil {
		cfg.Notifier = discard{}
	}
	return &Machine{
		lms:       cfg.LMS,
		engine:    cfg.Engine,
		snapshots: cfg.Snapshots,
		bootstrap: cfg.Bootstrap,
		notifier:  cfg.Notifier,
		policy:    cfg.Policy,
		admin:     cfg.Admin,
		dryRun:    cfg.DryRun,
		logf:      cfg.Logf,
		now:       cfg.Now,
	}
}

type discard struct{}

func (discard) Routine(string, string) {}
func (discard) Failure(string, string) {}

// Result summarizes one assignment pass.
type Result struct {
	Submissions []*domain.Submission
	Uploaded    int
	Returned    int
	Report      domain.Report
}

// Count returns how many submissions ended the pass in status.
func (r Result) Count(status domain.Status) int {
	n := 0
	for _, sub := range r.Submissions {
		if sub.Status == status {
			n++
		}
	}
	return n
}

type pass struct {
	course     domain.CourseSection
	assignment domain.Assignment
	now        time.Time
	snapshots  map[string]bool
	uploads    map[string]float64
	manual     map[*domain.Grader]int
	result     Result
}

// ProcessAssignment runs one pass over assignment for the given roster and
// graders. The returned error is set only when an assignment-level
// prerequisite failed and no submission was touched. Per-submission failures
// are collected in Result.Report and forwarded to the administrator.
func (m *Machine) ProcessAssignment(ctx context.Context, course domain.CourseSection, assignment domain.Assignment, students []domain.Student, roster []*domain.Grader) (Result, error) {
	if m.lms == nil || m.engine == nil || m.snapshots == nil {
		return Result{}, domain.ErrNotConfigured
	}
	p := &pass{
		course:     course,
		assignment: assignment,
		now:        m.now(),
		uploads:    make(map[string]float64),
		manual:     make(map[*domain.Grader]int),
	}

	if err := domain.ValidateAssignment(course, assignment); err != nil {
		return Result{}, err
	}
	for _, g := range roster {
		if m.bootstrap == nil {
			break
		}
		if err := m.bootstrap.Initialize(ctx, g, assignment); err != nil {
			return Result{}, fmt.Errorf("initialize grader %s: %w", g.Name, err)
		}
	}
	records, err := m.lms.GetSubmissions(ctx, assignment)
	if err != nil {
		return Result{}, fmt.Errorf("get submissions for %s: %w", assignment.Name, err)
	}
	names, err := m.snapshots.ListSnapshots(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list snapshots: %w", err)
	}
	p.snapshots = make(map[string]bool, len(names))
	for _, name := range names {
		p.snapshots[name] = true
	}

	subs, err := m.submissions(p, students, records)
	if err != nil {
		return Result{}, err
	}
	p.result.Submissions = subs

	due := make([]*domain.Submission, 0, len(subs))
	for _, sub := range subs {
		if sub.Status != domain.StatusNotDue {
			due = append(due, sub)
		}
	}
	if err := graders.NewPool(roster).AssignAll(due); err != nil {
		return Result{}, err
	}

	p.result.Report.Processed = len(due)
	for _, sub := range due {
		if err := m.grade(ctx, p, sub); err != nil {
			m.fail(p, sub.Key(), err)
		}
	}
	m.release(ctx, p)
	m.verifyUploads(ctx, p)
	m.remind(p)
	return p.result, nil
}

func (m *Machine) submissions(p *pass, students []domain.Student, records []domain.SubmissionRecord) ([]*domain.Submission, error) {
	byStudent := make(map[string]domain.SubmissionRecord, len(records))
	for _, r := range records {
		byStudent[r.StudentID] = r
	}
	subs := make([]*domain.Submission, 0, len(students))
	for _, student := range students {
		if student.Status == domain.StudentInactive {
			continue
		}
		dueAt, override, err := domain.EffectiveDueDate(p.course, p.assignment, student)
		if err != nil {
			return nil, err
		}
		record := byStudent[student.ID]
		record.StudentID = student.ID
		sub := &domain.Submission{
			Assignment: p.assignment,
			Student:    student,
			DueAt:      dueAt,
			Override:   override,
			Status:     domain.StatusAssigned,
			Record:     record,
		}
		if dueAt.After(p.now) {
			sub.Status = domain.StatusNotDue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// grade advances a past-due submission as far as the external state allows:
// collect, prepare, autograde and the manual grading check.
func (m *Machine) grade(ctx context.Context, p *pass, sub *domain.Submission) error {
	ws := sub.Grader.Workspace
	name := p.assignment.Name
	student := sub.Student.ID

	snap := domain.SnapshotFor(p.course, *sub)
	if !p.snapshots[snap.Name()] {
		m.logf("%s: snapshot %s not taken yet", sub.Key(), snap.Name())
		return nil
	}

	collected, err := graders.Exists(ws.Submitted(student, name))
	if err != nil {
		return err
	}
	if !collected {
		if m.dryRun {
			m.logf("dry run: collect %s from %s", sub.Key(), snap.Name())
			return nil
		}
		err := m.snapshots.CollectSnapshot(ctx, snap, *sub, ws.SubmittedDir(student, name))
		if errors.Is(err, domain.ErrNoSubmission) {
			sub.Status = domain.StatusMissing
			if !sub.Record.Graded() {
				return m.upload(ctx, p, sub, 0)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("collect snapshot %s: %w", snap.Name(), err)
		}
	}
	sub.Status = domain.StatusCollected

	fixed, err := SanitizeNotebook(ws.Submitted(student, name))
	if err != nil {
		return err
	}
	if fixed.Rewritten {
		m.logf("%s: repaired %d duplicate cell ids and %d cell types", sub.Key(), fixed.DuplicateIDs, fixed.CellTypeFixes)
	}
	sub.Status = domain.StatusPrepared

	graded, err := m.ensure(ws.Autograded(student, name), sub.Key(), func() error {
		return m.engine.Autograde(ctx, *sub.Grader, *sub)
	})
	if err != nil || !graded {
		return err
	}
	sub.Status = domain.StatusAutograded

	suppressed, err := graders.Exists(ws.ManualGradingDone(student, name))
	if err != nil {
		return err
	}
	if !suppressed {
		needs, err := m.engine.NeedsManualGrading(ctx, *sub.Grader, *sub)
		if err != nil {
			return &domain.EngineError{Op: "manual grading check", Cause: err}
		}
		if needs {
			sub.Status = domain.StatusNeedsManualGrade
			p.manual[sub.Grader]++
			return nil
		}
	}
	sub.Status = domain.StatusDoneGrading
	return nil
}

// ensure runs an engine step unless its artifact exists and reports whether
// the artifact is present afterwards. The engine may exit non-zero on
// warnings, so the artifact decides success.
func (m *Machine) ensure(path string, subject string, run func() error) (bool, error) {
	ok, err := graders.Exists(path)
	if err != nil || ok {
		return ok, err
	}
	if m.dryRun {
		m.logf("dry run: produce %s", path)
		return false, nil
	}
	runErr := run()
	ok, err = graders.Exists(path)
	if err != nil {
		return false, err
	}
	if ok {
		if runErr != nil {
			m.logf("%s: engine reported %v but produced %s", subject, runErr, path)
		}
		return true, nil
	}
	if runErr != nil {
		return false, &domain.EngineError{Op: subject, Cause: runErr}
	}
	return false, domain.NewVerificationError(domain.VerifyArtifact, subject, "%s absent after engine call", path)
}

// release generates and returns feedback, uploads grades and returns
// solutions for the submissions the return gates allow.
func (m *Machine) release(ctx context.Context, p *pass) {
	subs := make([]domain.Submission, 0, len(p.result.Submissions))
	for _, sub := range p.result.Submissions {
		subs = append(subs, *sub)
	}
	feedbackOpen := m.policy.ShouldReturnFeedback(subs, p.now)
	solutionOpen := m.policy.ShouldReturnSolution(subs, p.now)
	name := p.assignment.Name

	for _, sub := range p.result.Submissions {
		if sub.Grader == nil {
			continue
		}
		ws := sub.Grader.Workspace
		if solutionOpen && domain.SolutionDueFor(*sub, p.now) {
			doc := domain.Document{StudentID: sub.Student.ID, Assignment: name, Source: ws.Solution(name), Name: name + "_solution.html"}
			if err := m.distribute(ctx, p, doc); err != nil {
				m.fail(p, sub.Key(), err)
			}
		}
		if !feedbackOpen || sub.Status != domain.StatusDoneGrading || !domain.FeedbackDueFor(*sub, p.now) {
			continue
		}
		if err := m.finish(ctx, p, sub); err != nil {
			m.fail(p, sub.Key(), err)
		}
	}
}

func (m *Machine) finish(ctx context.Context, p *pass, sub *domain.Submission) error {
	ws := sub.Grader.Workspace
	name := p.assignment.Name
	ready, err := m.ensure(ws.Feedback(sub.Student.ID, name), sub.Key()+" feedback", func() error {
		return m.engine.GenerateFeedback(ctx, *sub.Grader, *sub)
	})
	if err != nil || !ready {
		return err
	}
	if !sub.Record.Graded() {
		score, err := m.engine.SubmissionPercentGrade(ctx, *sub.Grader, *sub)
		if err != nil {
			return &domain.EngineError{Op: "percent grade " + sub.Key(), Cause: err}
		}
		if err := m.upload(ctx, p, sub, score); err != nil {
			return err
		}
	}
	doc := domain.Document{StudentID: sub.Student.ID, Assignment: name, Source: ws.Feedback(sub.Student.ID, name), Name: name + "_feedback.html"}
	return m.distribute(ctx, p, doc)
}

func (m *Machine) upload(ctx context.Context, p *pass, sub *domain.Submission, score float64) error {
	if m.dryRun {
		m.logf("dry run: upload grade %.2f for %s", score, sub.Key())
		return nil
	}
	if err := m.lms.UpdateGrade(ctx, p.assignment, sub.Student.ID, score); err != nil {
		return fmt.Errorf("upload grade: %w", err)
	}
	p.uploads[sub.Student.ID] = score
	p.result.Uploaded++
	return nil
}

func (m *Machine) distribute(ctx context.Context, p *pass, doc domain.Document) error {
	done, err := m.snapshots.Distributed(ctx, doc)
	if err != nil {
		return fmt.Errorf("probe %s: %w", doc.Name, err)
	}
	if done {
		return nil
	}
	if m.dryRun {
		m.logf("dry run: return %s to %s", doc.Name, doc.StudentID)
		return nil
	}
	if err := m.snapshots.Distribute(ctx, doc); err != nil {
		return fmt.Errorf("return %s: %w", doc.Name, err)
	}
	p.result.Returned++
	return nil
}

// verifyUploads re-reads the LMS once and compares every grade written in
// this pass.
func (m *Machine) verifyUploads(ctx context.Context, p *pass) {
	if len(p.uploads) == 0 {
		return
	}
	records, err := m.lms.GetSubmissions(ctx, p.assignment)
	if err != nil {
		m.fail(p, p.assignment.Name, fmt.Errorf("re-read grades: %w", err))
		return
	}
	stored := make(map[string]domain.SubmissionRecord, len(records))
	for _, r := range records {
		stored[r.StudentID] = r
	}
	for student, want := range p.uploads {
		r, ok := stored[student]
		if !ok || r.Score == nil || math.Abs(p.assignment.PointsFor(*r.Score)-p.assignment.PointsFor(want)) > domain.ScoreTolerance {
			got := "none"
			if ok && r.Score != nil {
				got = fmt.Sprintf("%.2f", *r.Score)
			}
			subject := p.assignment.ID + "/" + student
			m.fail(p, subject, domain.NewVerificationError(domain.VerifyGradeUpload, subject,
				"uploaded %.2f, lms has %s", want, got))
		}
	}
}

func (m *Machine) remind(p *pass) {
	for g, n := range p.manual {
		m.notifier.Routine(g.Email, fmt.Sprintf("%s: %d submission(s) need manual grading in %s", p.assignment.Name, n, g.Name))
	}
	unposted := 0
	for _, sub := range p.result.Submissions {
		if sub.Record.Graded() && sub.Record.PostedAt.IsZero() {
			unposted++
		}
	}
	if unposted > 0 && m.admin != "" {
		m.notifier.Routine(m.admin, fmt.Sprintf("%s: %d grade(s) uploaded but not posted", p.assignment.Name, unposted))
	}
}

func (m *Machine) fail(p *pass, subject string, err error) {
	m.logf("%s: %v", subject, err)
	p.result.Report.Fail(subject, err)
	if m.admin != "" {
		m.notifier.Failure(m.admin, fmt.Sprintf("%s: %v", subject, err))
	}
}
