// Package nbgrader implements the grading engine on top of nbgrader, running
// each command in a container that mounts the grader workspace.
package nbgrader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
	"github.com/louisbranch/gradeloop/internal/services/grading/integration/docker"
)

// mountPoint is where the grader workspace appears inside the container.
const mountPoint = "/course"

// ContainerRunner runs one container job to completion.
type ContainerRunner interface {
	Run(ctx context.Context, job docker.Job) (docker.Result, error)
}

// Config configures an Engine.
type Config struct {
	Runner ContainerRunner
	// Image is the container image carrying nbgrader and nbconvert.
	Image string
	// CourseID is written into nbgrader_config.py.
	CourseID    string
	User        string
	MemoryBytes int64
	Logf        func(string, ...any)
}

// Engine is a domain.GradingEngine backed by nbgrader.
type Engine struct {
	runner   ContainerRunner
	image    string
	courseID string
	user     string
	memory   int64
	logf     func(string, ...any)
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("nbgrader: container runner is required")
	}
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, fmt.Errorf("nbgrader: image is required")
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Engine{
		runner:   cfg.Runner,
		image:    cfg.Image,
		courseID: strings.TrimSpace(cfg.CourseID),
		user:     cfg.User,
		memory:   cfg.MemoryBytes,
		logf:     cfg.Logf,
	}, nil
}

const configTemplate = `c = get_config()
c.CourseDirectory.course_id = %q
c.CourseDirectory.root = %q
c.ClearSolutions.code_stub = {"python": "# your code here\nraise NotImplementedError"}
`

// BuildGrader writes the nbgrader configuration into the workspace unless
// one is already there.
func (e *Engine) BuildGrader(_ context.Context, grader domain.Grader) error {
	path := filepath.Join(grader.Workspace.Root, "nbgrader_config.py")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return &domain.EngineError{Op: "build grader", Cause: err}
	}
	courseID := e.courseID
	if courseID == "" {
		courseID = grader.Name
	}
	content := fmt.Sprintf(configTemplate, courseID, mountPoint)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return &domain.EngineError{Op: "build grader", Cause: err}
	}
	return nil
}

// GenerateAssignment produces the student release from the source notebook.
func (e *Engine) GenerateAssignment(ctx context.Context, grader domain.Grader, assignment domain.Assignment) error {
	return e.exec(ctx, "generate assignment", grader,
		"nbgrader", "generate_assignment", "--force", assignment.Name)
}

// GenerateSolution renders the source notebook, solutions included, to HTML.
func (e *Engine) GenerateSolution(ctx context.Context, grader domain.Grader, assignment domain.Assignment) error {
	source := filepath.ToSlash(filepath.Join("source", assignment.Name, assignment.Name+".ipynb"))
	return e.exec(ctx, "generate solution", grader,
		"jupyter", "nbconvert", "--to", "html", "--output-dir", mountPoint,
		"--output", assignment.Name+"_solution", source)
}

// Autograde grades one collected submission.
func (e *Engine) Autograde(ctx context.Context, grader domain.Grader, sub domain.Submission) error {
	return e.exec(ctx, "autograde", grader,
		"nbgrader", "autograde", "--force", "--student", sub.Student.ID, sub.Assignment.Name)
}

// GenerateFeedback renders feedback for one graded submission.
func (e *Engine) GenerateFeedback(ctx context.Context, grader domain.Grader, sub domain.Submission) error {
	return e.exec(ctx, "generate feedback", grader,
		"nbgrader", "generate_feedback", "--force", "--student", sub.Student.ID, sub.Assignment.Name)
}

func (e *Engine) exec(ctx context.Context, op string, grader domain.Grader, cmd ...string) error {
	res, err := e.runner.Run(ctx, docker.Job{
		Image:       e.image,
		Cmd:         cmd,
		Binds:       []string{grader.Workspace.Root + ":" + mountPoint},
		WorkingDir:  mountPoint,
		User:        e.user,
		MemoryBytes: e.memory,
	})
	if err != nil {
		return &domain.EngineError{Op: op, Cause: err}
	}
	if res.ExitCode != 0 {
		return &domain.EngineError{Op: op, Cause: fmt.Errorf("exit status %d: %s", res.ExitCode, lastLine(res.Log))}
	}
	return nil
}

func lastLine(output string) string {
	output = strings.TrimSpace(output)
	if i := strings.LastIndexByte(output, '\n'); i >= 0 {
		return output[i+1:]
	}
	return output
}

var _ domain.GradingEngine = (*Engine)(nil)
