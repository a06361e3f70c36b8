// Package zfs implements the snapshot store and workspace provisioning on ZFS.
//
// Student homes live under one dataset, one directory per student. Snapshots
// of that dataset are read back through the hidden .zfs/snapshot directory.
package zfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
)

// Config locates student homes on the snapshot host.
type Config struct {
	// Dataset is the ZFS dataset holding student homes, e.g. tank/home.
	Dataset string
	// Mountpoint is where Dataset is mounted on the host.
	Mountpoint string
}

// Store is a domain.SnapshotStore backed by ZFS snapshots.
type Store struct {
	runner     Runner
	dataset    string
	mountpoint string
}

// NewStore creates a Store.
func NewStore(runner Runner, cfg Config) (*Store, error) {
	if runner == nil {
		return nil, fmt.Errorf("zfs: runner is required")
	}
	if cfg.Dataset == "" || cfg.Mountpoint == "" {
		return nil, fmt.Errorf("zfs: dataset and mountpoint are required")
	}
	return &Store{runner: runner, dataset: cfg.Dataset, mountpoint: path.Clean(cfg.Mountpoint)}, nil
}

// studentPath is the work for assignment inside a student home rooted at root.
func studentPath(root, studentID, assignment string) string {
	return path.Join(root, studentID, assignment, assignment+".ipynb")
}

// ListSnapshots returns snapshot names without the dataset prefix.
func (s *Store) ListSnapshots(ctx context.Context) ([]string, error) {
	out, err := s.runner.Run(ctx, "zfs list -H -t snapshot -o name -d 1 "+quote(s.dataset), nil)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	prefix := s.dataset + "@"
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(line, prefix); ok && name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// TakeSnapshot snapshots the whole home dataset under snap's name.
func (s *Store) TakeSnapshot(ctx context.Context, snap domain.Snapshot) error {
	if _, err := s.runner.Run(ctx, "zfs snapshot "+quote(s.dataset+"@"+snap.Name()), nil); err != nil {
		return fmt.Errorf("take snapshot %s: %w", snap.Name(), err)
	}
	return nil
}

// CollectSnapshot copies the student's notebook out of snap into dest.
func (s *Store) CollectSnapshot(ctx context.Context, snap domain.Snapshot, sub domain.Submission, dest string) error {
	root := path.Join(s.mountpoint, ".zfs", "snapshot", snap.Name())
	src := studentPath(root, sub.Student.ID, sub.Assignment.Name)

	content, err := s.runner.Run(ctx, "cat "+quote(src), nil)
	if err != nil {
		if exists, probeErr := s.exists(ctx, src); probeErr == nil && !exists {
			return domain.ErrNoSubmission
		}
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	target := filepath.Join(dest, sub.Assignment.Name+".ipynb")
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, p string) (bool, error) {
	_, err := s.runner.Run(ctx, "test -e "+quote(p), nil)
	if err == nil {
		return true, nil
	}
	if exitStatus(err) == 1 {
		return false, nil
	}
	return false, err
}

func (s *Store) documentPath(doc domain.Document) string {
	return path.Join(s.mountpoint, doc.StudentID, doc.Assignment, doc.Name)
}

// Distributed reports whether doc already sits in the student's home.
func (s *Store) Distributed(ctx context.Context, doc domain.Document) (bool, error) {
	ok, err := s.exists(ctx, s.documentPath(doc))
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", doc.Name, err)
	}
	return ok, nil
}

// Distribute copies the local doc.Source into the student's home.
func (s *Store) Distribute(ctx context.Context, doc domain.Document) error {
	content, err := os.ReadFile(doc.Source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.NewVerificationError(domain.VerifyArtifact, doc.StudentID+"/"+doc.Assignment, "%s missing before return", doc.Source)
		}
		return fmt.Errorf("read %s: %w", doc.Source, err)
	}
	target := s.documentPath(doc)
	cmd := "mkdir -p " + quote(path.Dir(target)) + " && cat > " + quote(target)
	if _, err := s.runner.Run(ctx, cmd, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}

var _ domain.SnapshotStore = (*Store)(nil)
