package zfs

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
)

// Provisioner gives each grader workspace its own dataset with a quota,
// mounted at the workspace root.
type Provisioner struct {
	runner Runner
	parent string
}

// NewProvisioner creates workspaces as children of parent.
func NewProvisioner(runner Runner, parent string) *Provisioner {
	return &Provisioner{runner: runner, parent: strings.TrimRight(parent, "/")}
}

// EnsureWorkspace creates the grader's dataset if it does not exist yet.
func (p *Provisioner) EnsureWorkspace(ctx context.Context, g domain.Grader) error {
	dataset := path.Join(p.parent, g.Name)
	_, err := p.runner.Run(ctx, "zfs list -H -o name "+quote(dataset), nil)
	if err == nil {
		return nil
	}
	if exitStatus(err) != 1 {
		return fmt.Errorf("probe dataset %s: %w", dataset, err)
	}

	cmd := "zfs create -p -o mountpoint=" + quote(g.Workspace.Root)
	if g.Workspace.Quota != "" {
		cmd += " -o quota=" + quote(g.Workspace.Quota)
	}
	cmd += " " + quote(dataset)
	if _, err := p.runner.Run(ctx, cmd, nil); err != nil {
		return fmt.Errorf("create dataset %s: %w", dataset, err)
	}
	return nil
}

var _ domain.WorkspaceProvisioner = (*Provisioner)(nil)
