package zfs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
)

type exitErr int

func (e exitErr) Error() string   { return "exit status" }
func (e exitErr) ExitStatus() int { return int(e) }

// fakeHost emulates the snapshot host with an in-memory file tree.
type fakeHost struct {
	files     map[string]string
	snapshots []string
	datasets  map[string]bool
	commands  []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{files: map[string]string{}, datasets: map[string]bool{}}
}

func unquote(s string) string {
	return strings.ReplaceAll(strings.Trim(s, "'"), `'\''`, "'")
}

func (h *fakeHost) Run(_ context.Context, cmd string, stdin io.Reader) ([]byte, error) {
	h.commands = append(h.commands, cmd)
	fields := strings.Fields(cmd)
	switch {
	case strings.HasPrefix(cmd, "zfs list -H -t snapshot"):
		return []byte(strings.Join(h.snapshots, "\n") + "\n"), nil
	case strings.HasPrefix(cmd, "zfs snapshot "):
		h.snapshots = append(h.snapshots, unquote(fields[2]))
		return nil, nil
	case strings.HasPrefix(cmd, "zfs list -H -o name "):
		if h.datasets[unquote(fields[5])] {
			return nil, nil
		}
		return nil, exitErr(1)
	case strings.HasPrefix(cmd, "zfs create "):
		h.datasets[unquote(fields[len(fields)-1])] = true
		return nil, nil
	case strings.HasPrefix(cmd, "cat > "):
		return nil, errors.New("unexpected")
	case strings.HasPrefix(cmd, "cat "):
		content, ok := h.files[unquote(fields[1])]
		if !ok {
			return nil, exitErr(1)
		}
		return []byte(content), nil
	case strings.HasPrefix(cmd, "test -e "):
		if _, ok := h.files[unquote(fields[2])]; ok {
			return nil, nil
		}
		return nil, exitErr(1)
	case strings.HasPrefix(cmd, "mkdir -p "):
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		h.files[unquote(fields[len(fields)-1])] = string(data)
		return nil, nil
	}
	return nil, errors.New("unknown command: " + cmd)
}

func newTestStore(t *testing.T, host *fakeHost) *Store {
	t.Helper()
	store, err := NewStore(host, Config{Dataset: "tank/home", Mountpoint: "/tank/home/"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func testSubmission(student string) domain.Submission {
	return domain.Submission{
		Assignment: domain.Assignment{ID: "a1", Name: "worksheet_01"},
		Student:    domain.Student{ID: student},
	}
}

func TestStore_TakeAndList(t *testing.T) {
	host := newFakeHost()
	host.snapshots = []string{"tank/home@manual-backup", "tank/home/nested@ignored-prefix"}
	store := newTestStore(t, host)

	snap := domain.Snapshot{Course: "stat201", Assignment: "worksheet_01", AssignmentID: "a1"}
	if err := store.TakeSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("take: %v", err)
	}
	names, err := store.ListSnapshots(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 || names[0] != "manual-backup" || names[1] != snap.Name() {
		t.Fatalf("names = %v", names)
	}
}

func TestStore_CollectSnapshot(t *testing.T) {
	host := newFakeHost()
	snap := domain.Snapshot{Course: "stat201", Assignment: "worksheet_01", AssignmentID: "a1"}
	host.files["/tank/home/.zfs/snapshot/"+snap.Name()+"/s1/worksheet_01/worksheet_01.ipynb"] = `{"cells":[]}`
	store := newTestStore(t, host)
	dest := filepath.Join(t.TempDir(), "submitted", "s1", "worksheet_01")

	if err := store.CollectSnapshot(context.Background(), snap, testSubmission("s1"), dest); err != nil {
		t.Fatalf("collect: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "worksheet_01.ipynb"))
	if err != nil || string(data) != `{"cells":[]}` {
		t.Fatalf("collected = %q, %v", data, err)
	}

	err = store.CollectSnapshot(context.Background(), snap, testSubmission("s2"), dest)
	if !errors.Is(err, domain.ErrNoSubmission) {
		t.Fatalf("err = %v, want ErrNoSubmission", err)
	}
}

func TestStore_Distribute(t *testing.T) {
	host := newFakeHost()
	store := newTestStore(t, host)
	src := filepath.Join(t.TempDir(), "worksheet_01_feedback.html")
	if err := os.WriteFile(src, []byte("<html>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	doc := domain.Document{StudentID: "s1", Assignment: "worksheet_01", Source: src, Name: "worksheet_01_feedback.html"}

	done, err := store.Distributed(context.Background(), doc)
	if err != nil || done {
		t.Fatalf("distributed = %v, %v; want false", done, err)
	}
	if err := store.Distribute(context.Background(), doc); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if got := host.files["/tank/home/s1/worksheet_01/worksheet_01_feedback.html"]; got != "<html>" {
		t.Fatalf("remote file = %q", got)
	}
	if done, _ := store.Distributed(context.Background(), doc); !done {
		t.Fatal("expected document to be distributed")
	}
}

func TestStore_DistributeMissingSource(t *testing.T) {
	store := newTestStore(t, newFakeHost())
	err := store.Distribute(context.Background(), domain.Document{StudentID: "s1", Source: filepath.Join(t.TempDir(), "absent.html"), Name: "x"})
	if !errors.Is(err, domain.ErrVerification) {
		t.Fatalf("err = %v, want verification error", err)
	}
}

func TestProvisioner_EnsureWorkspaceOnce(t *testing.T) {
	host := newFakeHost()
	p := NewProvisioner(host, "tank/graders/")
	g := domain.Grader{Name: "stat201-worksheet_01-ta1", Workspace: domain.Workspace{Root: "/srv/graders/stat201-worksheet_01-ta1", Quota: "10G"}}

	for i := 0; i < 2; i++ {
		if err := p.EnsureWorkspace(context.Background(), g); err != nil {
			t.Fatalf("ensure %d: %v", i, err)
		}
	}
	creates := 0
	for _, cmd := range host.commands {
		if strings.HasPrefix(cmd, "zfs create") {
			creates++
			if !strings.Contains(cmd, "quota='10G'") || !strings.Contains(cmd, "mountpoint='/srv/graders/stat201-worksheet_01-ta1'") {
				t.Fatalf("create command = %q", cmd)
			}
		}
	}
	if creates != 1 {
		t.Fatalf("creates = %d, want 1", creates)
	}
}

func TestQuote(t *testing.T) {
	if got := quote("it's"); got != `'it'\''s'` {
		t.Fatalf("quote = %s", got)
	}
}
