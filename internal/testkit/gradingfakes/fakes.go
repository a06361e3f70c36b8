// Package gradingfakes provides in-memory collaborator fakes for grading tests.
package gradingfakes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
)

// GradeUpload records one UpdateGrade call.
type GradeUpload struct {
	AssignmentID string
	StudentID    string
	Score        float64
}

// LMS is an in-memory LMS fake for one course section.
type LMS struct {
	mu          sync.Mutex
	Course      domain.CourseSection
	Students    []domain.Student
	Instructors []domain.Person
	Assignments map[string]domain.Assignment
	Records     map[string]map[string]domain.SubmissionRecord

	GradeUploads []GradeUpload
	Created      []domain.Override
	Deleted      []domain.Override

	AssignmentsErr error
	SubmissionsErr error
	// IgnoreWrites acknowledges override and grade writes without applying them.
	IgnoreWrites bool
	nextID       int
}

// NewLMS constructs an LMS fake with initialized maps.
func NewLMS(course domain.CourseSection) *LMS {
	return &LMS{
		Course:      course,
		Assignments: make(map[string]domain.Assignment),
		Records:     make(map[string]map[string]domain.SubmissionRecord),
	}
}

// PutAssignment stores a copy of assignment.
func (l *LMS) PutAssignment(a domain.Assignment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Assignments[a.ID] = copyAssignment(a)
}

// PutRecord stores a submission record.
func (l *LMS) PutRecord(assignmentID string, record domain.SubmissionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Records[assignmentID] == nil {
		l.Records[assignmentID] = make(map[string]domain.SubmissionRecord)
	}
	l.Records[assignmentID][record.StudentID] = record
}

func copyAssignment(a domain.Assignment) domain.Assignment {
	out := a
	out.Overrides = make(map[string]domain.Override, len(a.Overrides))
	for id, o := range a.Overrides {
		o.StudentIDs = append([]string(nil), o.StudentIDs...)
		out.Overrides[id] = o
	}
	return out
}

func (l *LMS) GetCourseSectionInfo(context.Context) (domain.CourseSection, error) {
	return l.Course, nil
}

func (l *LMS) GetStudents(context.Context) ([]domain.Student, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Student(nil), l.Students...), nil
}

func (l *LMS) GetInstructors(context.Context) ([]domain.Person, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Person(nil), l.Instructors...), nil
}

func (l *LMS) GetAssignments(context.Context) ([]domain.Assignment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AssignmentsErr != nil {
		return nil, l.AssignmentsErr
	}
	out := make([]domain.Assignment, 0, len(l.Assignments))
	for _, a := range l.Assignments {
		out = append(out, copyAssignment(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *LMS) GetSubmissions(_ context.Context, a domain.Assignment) ([]domain.SubmissionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SubmissionsErr != nil {
		return nil, l.SubmissionsErr
	}
	out := make([]domain.SubmissionRecord, 0, len(l.Students))
	for _, s := range l.Students {
		record, ok := l.Records[a.ID][s.ID]
		if !ok {
			record = domain.SubmissionRecord{StudentID: s.ID}
		}
		out = append(out, record)
	}
	return out, nil
}

func (l *LMS) UpdateGrade(_ context.Context, a domain.Assignment, studentID string, score float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.GradeUploads = append(l.GradeUploads, GradeUpload{AssignmentID: a.ID, StudentID: studentID, Score: score})
	if l.IgnoreWrites {
		return nil
	}
	if l.Records[a.ID] == nil {
		l.Records[a.ID] = make(map[string]domain.SubmissionRecord)
	}
	record := l.Records[a.ID][studentID]
	record.StudentID = studentID
	record.Score = &score
	l.Records[a.ID][studentID] = record
	return nil
}

func (l *LMS) CreateOverrides(_ context.Context, a domain.Assignment, overrides []domain.Override) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.Assignments[a.ID]
	if !ok {
		return fmt.Errorf("assignment %s not found", a.ID)
	}
	for _, o := range overrides {
		l.nextID++
		o.ID = fmt.Sprintf("ov-%d", l.nextID)
		o.StudentIDs = append([]string(nil), o.StudentIDs...)
		l.Created = append(l.Created, o)
		if !l.IgnoreWrites {
			stored.Overrides[o.ID] = o
		}
	}
	return nil
}

func (l *LMS) DeleteOverrides(_ context.Context, a domain.Assignment, overrides []domain.Override) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.Assignments[a.ID]
	if !ok {
		return fmt.Errorf("assignment %s not found", a.ID)
	}
	for _, o := range overrides {
		l.Deleted = append(l.Deleted, o)
		if !l.IgnoreWrites {
			delete(stored.Overrides, o.ID)
		}
	}
	return nil
}

// SnapshotStore is an in-memory snapshot store. Work maps student ids to
// notebook content captured by every snapshot.
type SnapshotStore struct {
	mu        sync.Mutex
	Names     map[string]bool
	Work      map[string]string
	Documents map[string]string
	Taken     []string
	Collected []string

	// IgnoreTakes acknowledges TakeSnapshot without recording the snapshot.
	IgnoreTakes bool
	ListErr     error
}

// NewSnapshotStore constructs a SnapshotStore fake.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		Names:     make(map[string]bool),
		Work:      make(map[string]string),
		Documents: make(map[string]string),
	}
}

func (s *SnapshotStore) ListSnapshots(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	out := make([]string, 0, len(s.Names))
	for name := range s.Names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *SnapshotStore) TakeSnapshot(_ context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Taken = append(s.Taken, snap.Name())
	if !s.IgnoreTakes {
		s.Names[snap.Name()] = true
	}
	return nil
}

func (s *SnapshotStore) CollectSnapshot(_ context.Context, snap domain.Snapshot, sub domain.Submission, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Names[snap.Name()] {
		return fmt.Errorf("snapshot %s not found", snap.Name())
	}
	content, ok := s.Work[sub.Student.ID]
	if !ok {
		return domain.ErrNoSubmission
	}
	s.Collected = append(s.Collected, sub.Key())
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, sub.Assignment.Name+".ipynb"), []byte(content), 0o644)
}

func documentKey(doc domain.Document) string {
	return doc.StudentID + "/" + doc.Assignment + "/" + doc.Name
}

func (s *SnapshotStore) Distributed(_ context.Context, doc domain.Document) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.Documents[documentKey(doc)]
	return ok, nil
}

func (s *SnapshotStore) Distribute(_ context.Context, doc domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Documents[documentKey(doc)] = doc.Source
	return nil
}

// HasDocument reports whether a document was distributed.
func (s *SnapshotStore) HasDocument(studentID, assignment, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.Documents[studentID+"/"+assignment+"/"+name]
	return ok
}

// Engine writes the artifacts a real grading engine would produce.
type Engine struct {
	mu            sync.Mutex
	Built         []string
	Generated     []string
	Solutions     []string
	Autograded    []string
	Feedback      []string
	ManualGrading map[string]bool
	Grades        map[string]float64
	AutogradeErr  map[string]error
	// SkipArtifacts makes engine calls succeed without writing output.
	SkipArtifacts bool
}

// NewEngine constructs an Engine fake.
func NewEngine() *Engine {
	return &Engine{
		ManualGrading: make(map[string]bool),
		Grades:        make(map[string]float64),
		AutogradeErr:  make(map[string]error),
	}
}

func (e *Engine) write(path string) error {
	if e.SkipArtifacts {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("artifact"), 0o644)
}

func (e *Engine) BuildGrader(_ context.Context, g domain.Grader) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Built = append(e.Built, g.Name)
	return nil
}

func (e *Engine) GenerateAssignment(_ context.Context, g domain.Grader, a domain.Assignment) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Generated = append(e.Generated, g.Name)
	return e.write(g.Workspace.Release(a.Name))
}

func (e *Engine) GenerateSolution(_ context.Context, g domain.Grader, a domain.Assignment) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Solutions = append(e.Solutions, g.Name)
	return e.write(g.Workspace.Solution(a.Name))
}

func (e *Engine) Autograde(_ context.Context, g domain.Grader, sub domain.Submission) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Autograded = append(e.Autograded, sub.Student.ID)
	if err := e.AutogradeErr[sub.Student.ID]; err != nil {
		return err
	}
	return e.write(g.Workspace.Autograded(sub.Student.ID, sub.Assignment.Name))
}

func (e *Engine) GenerateFeedback(_ context.Context, g domain.Grader, sub domain.Submission) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Feedback = append(e.Feedback, sub.Student.ID)
	return e.write(g.Workspace.Feedback(sub.Student.ID, sub.Assignment.Name))
}

func (e *Engine) NeedsManualGrading(_ context.Context, _ domain.Grader, sub domain.Submission) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ManualGrading[sub.Student.ID], nil
}

func (e *Engine) SubmissionPercentGrade(_ context.Context, _ domain.Grader, sub domain.Submission) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if grade, ok := e.Grades[sub.Student.ID]; ok {
		return grade, nil
	}
	return 100, nil
}

// Notice is one queued notification.
type Notice struct {
	Recipient string
	Message   string
}

// Notifier records routine and failure notices.
type Notifier struct {
	mu       sync.Mutex
	Routines []Notice
	Failures []Notice
}

func (n *Notifier) Routine(recipient string, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Routines = append(n.Routines, Notice{Recipient: recipient, Message: message})
}

func (n *Notifier) Failure(recipient string, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Failures = append(n.Failures, Notice{Recipient: recipient, Message: message})
}

var (
	_ domain.LMS           = (*LMS)(nil)
	_ domain.SnapshotStore = (*SnapshotStore)(nil)
	_ domain.GradingEngine = (*Engine)(nil)
	_ domain.Notifier      = (*Notifier)(nil)
)
