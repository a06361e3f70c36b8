package graders

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
)

var (
	// ErrPathMissing indicates the workspace has no repository directory yet.
	ErrPathMissing = errors.New("repository path does not exist")
	// ErrNotRepository indicates the workspace directory is not a clone.
	ErrNotRepository = errors.New("path is not a git repository")
)

// Repository verifies and creates instructor repository clones.
type Repository interface {
	// Verify returns ErrPathMissing or ErrNotRepository for recoverable states.
	Verify(ctx context.Context, path string) error
	Clone(ctx context.Context, url string, path string) error
}

// GitCLI implements Repository with the git binary.
type GitCLI struct {
	Binary string
}

func (g GitCLI) run(ctx context.Context, args ...string) (string, error) {
	binary := g.Binary
	if binary == "" {
		binary = "git"
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stderr.String(), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Verify checks that path holds its own git repository.
func (g GitCLI) Verify(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return ErrPathMissing
		}
		return fmt.Errorf("stat repository: %w", err)
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		if os.IsNotExist(err) {
			return ErrNotRepository
		}
		return fmt.Errorf("stat repository metadata: %w", err)
	}
	if _, err := g.run(ctx, "-C", path, "rev-parse", "--git-dir"); err != nil {
		if strings.Contains(err.Error(), "not a git repository") {
			return ErrNotRepository
		}
		return err
	}
	return nil
}

// Clone clones url into path. An existing non-repository directory is
// initialized in place so collected work already in it is preserved.
func (g GitCLI) Clone(ctx context.Context, url string, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_, err := g.run(ctx, "clone", url, path)
		return err
	}
	if _, err := g.run(ctx, "-C", path, "init"); err != nil {
		return err
	}
	_, err := g.run(ctx, "-C", path, "pull", url, "HEAD")
	return err
}

// Bootstrapper prepares grader workspaces before any submission is collected.
type Bootstrapper struct {
	provisioner domain.WorkspaceProvisioner
	repos       Repository
	engine      domain.GradingEngine
	repoURL     string
	dryRun      bool
	logf        func(string, ...any)
}

// BootstrapConfig wires a Bootstrapper.
type BootstrapConfig struct {
	Provisioner domain.WorkspaceProvisioner
	Repository  Repository
	Engine      domain.GradingEngine
	RepoURL     string
	DryRun      bool
	Logf        func(string, ...any)
}

// NewBootstrapper creates a Bootstrapper.
func NewBootstrapper(cfg BootstrapConfig) *Bootstrapper {
	if cfg.Repository == nil {
		cfg.Repository = GitCLI{}
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Bootstrapper{
		provisioner: cfg.Provisioner,
		repos:       cfg.Repository,
		engine:      cfg.Engine,
		repoURL:     cfg.RepoURL,
		dryRun:      cfg.DryRun,
		logf:        cfg.Logf,
	}
}

// Initialize ensures the grader's workspace volume, repository clone,
// engine environment, generated assignment and solution. Each step is
// guarded by an existence probe so repeated calls do no extra work.
func (b *Bootstrapper) Initialize(ctx context.Context, g *domain.Grader, assignment domain.Assignment) error {
	if b == nil || b.engine == nil {
		return domain.ErrNotConfigured
	}
	if b.dryRun {
		b.logf("dry run: initialize grader %s", g.Name)
		return nil
	}

	if b.provisioner != nil {
		if err := b.provisioner.EnsureWorkspace(ctx, *g); err != nil {
			return fmt.Errorf("provision workspace %s: %w", g.Name, err)
		}
	}

	err := b.repos.Verify(ctx, g.Workspace.Root)
	switch {
	case err == nil:
	case errors.Is(err, ErrPathMissing), errors.Is(err, ErrNotRepository):
		b.logf("cloning %s into %s", b.repoURL, g.Workspace.Root)
		if err := b.repos.Clone(ctx, b.repoURL, g.Workspace.Root); err != nil {
			return fmt.Errorf("clone instructor repository for %s: %w", g.Name, err)
		}
		if err := b.repos.Verify(ctx, g.Workspace.Root); err != nil {
			return domain.NewVerificationError(domain.VerifyArtifact, g.Name, "repository invalid after clone: %v", err)
		}
	default:
		return domain.Permanent(fmt.Errorf("verify repository for %s: %w", g.Name, err))
	}

	if err := b.engine.BuildGrader(ctx, *g); err != nil {
		return &domain.EngineError{Op: "build grader " + g.Name, Cause: err}
	}
	if err := b.ensureArtifact(g.Workspace.Release(assignment.Name), g.Name, func() error {
		return b.engine.GenerateAssignment(ctx, *g, assignment)
	}); err != nil {
		return err
	}
	return b.ensureArtifact(g.Workspace.Solution(assignment.Name), g.Name, func() error {
		return b.engine.GenerateSolution(ctx, *g, assignment)
	})
}

func (b *Bootstrapper) ensureArtifact(path string, subject string, generate func() error) error {
	ok, err := Exists(path)
	if err != nil || ok {
		return err
	}
	if err := generate(); err != nil {
		return &domain.EngineError{Op: "generate " + path, Cause: err}
	}
	ok, err = Exists(path)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewVerificationError(domain.VerifyArtifact, subject, "%s absent after generation", path)
	}
	return nil
}

// Exists reports whether path exists.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}
