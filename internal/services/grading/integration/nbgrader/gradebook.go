package nbgrader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
)

// openGradebook opens the workspace gradebook without creating it.
func openGradebook(grader domain.Grader) (*sql.DB, error) {
	path := grader.Workspace.Gradebook()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("gradebook %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open gradebook: %w", err)
	}
	return db, nil
}

// submissionID resolves the gradebook row of a submitted assignment.
func submissionID(ctx context.Context, db *sql.DB, sub domain.Submission) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, `
SELECT sa.id
FROM submitted_assignment sa
JOIN assignment a ON a.id = sa.assignment_id
WHERE a.name = ? AND sa.student_id = ?
`, sub.Assignment.Name, sub.Student.ID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("no gradebook entry for %s", sub.Key())
	}
	if err != nil {
		return "", fmt.Errorf("find submission %s: %w", sub.Key(), err)
	}
	return id, nil
}

// NeedsManualGrading reports whether any graded cell of the submission still
// waits for a human.
func (e *Engine) NeedsManualGrading(ctx context.Context, grader domain.Grader, sub domain.Submission) (bool, error) {
	db, err := openGradebook(grader)
	if err != nil {
		return false, &domain.EngineError{Op: "needs manual grading", Cause: err}
	}
	defer db.Close()

	id, err := submissionID(ctx, db, sub)
	if err != nil {
		return false, &domain.EngineError{Op: "needs manual grading", Cause: err}
	}
	var pending int
	err = db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM grade g
JOIN submitted_notebook sn ON sn.id = g.notebook_id
WHERE sn.assignment_id = ? AND g.needs_manual_grade = 1
`, id).Scan(&pending)
	if err != nil {
		return false, &domain.EngineError{Op: "needs manual grading", Cause: err}
	}
	return pending > 0, nil
}

// SubmissionPercentGrade returns the submission score as a percentage of the
// points available. Manual scores take precedence over automatic ones.
func (e *Engine) SubmissionPercentGrade(ctx context.Context, grader domain.Grader, sub domain.Submission) (float64, error) {
	db, err := openGradebook(grader)
	if err != nil {
		return 0, &domain.EngineError{Op: "percent grade", Cause: err}
	}
	defer db.Close()

	id, err := submissionID(ctx, db, sub)
	if err != nil {
		return 0, &domain.EngineError{Op: "percent grade", Cause: err}
	}
	var score, maxScore sql.NullFloat64
	err = db.QueryRowContext(ctx, `
SELECT
	SUM(COALESCE(g.manual_score, g.auto_score, 0) + COALESCE(g.extra_credit, 0)),
	SUM(gc.max_score)
FROM grade g
JOIN submitted_notebook sn ON sn.id = g.notebook_id
JOIN grade_cells gc ON gc.id = g.cell_id
WHERE sn.assignment_id = ?
`, id).Scan(&score, &maxScore)
	if err != nil {
		return 0, &domain.EngineError{Op: "percent grade", Cause: err}
	}
	if !maxScore.Valid || maxScore.Float64 <= 0 {
		return 0, nil
	}
	return 100 * score.Float64 / maxScore.Float64, nil
}
