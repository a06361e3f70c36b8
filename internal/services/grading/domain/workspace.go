package domain

import "path/filepath"

// ManualGradingDoneMarker is the file operators place next to an autograded
// notebook to force-clear a stuck manual-grading flag.
const ManualGradingDoneMarker = ".manual-grading-done"

// Workspace lays out a grader's course directory. Paths follow the grading
// engine's conventions so stage completion is a file existence probe.
type Workspace struct {
	Root  string
	Quota string
}

func (w Workspace) notebook(assignment string) string {
	return assignment + ".ipynb"
}

// Source is the instructor notebook the assignment is generated from.
func (w Workspace) Source(assignment string) string {
	return filepath.Join(w.Root, "source", assignment, w.notebook(assignment))
}

// Release is the generated student-facing assignment.
func (w Workspace) Release(assignment string) string {
	return filepath.Join(w.Root, "release", assignment, w.notebook(assignment))
}

// Solution is the rendered solution document.
func (w Workspace) Solution(assignment string) string {
	return filepath.Join(w.Root, assignment+"_solution.html")
}

// SubmittedDir holds collected work for one student.
func (w Workspace) SubmittedDir(studentID, assignment string) string {
	return filepath.Join(w.Root, "submitted", studentID, assignment)
}

// Submitted is the collected-work marker for (assignment, student).
func (w Workspace) Submitted(studentID, assignment string) string {
	return filepath.Join(w.SubmittedDir(studentID, assignment), w.notebook(assignment))
}

// Autograded is the engine's autograde output.
func (w Workspace) Autograded(studentID, assignment string) string {
	return filepath.Join(w.Root, "autograded", studentID, assignment, w.notebook(assignment))
}

// ManualGradingDone is the operator suppression marker.
func (w Workspace) ManualGradingDone(studentID, assignment string) string {
	return filepath.Join(w.Root, "autograded", studentID, assignment, ManualGradingDoneMarker)
}

// Feedback is the rendered feedback document.
func (w Workspace) Feedback(studentID, assignment string) string {
	return filepath.Join(w.Root, "feedback", studentID, assignment, assignment+".html")
}

// Gradebook is the engine's grade database.
func (w Workspace) Gradebook() string {
	return filepath.Join(w.Root, "gradebook.db")
}
