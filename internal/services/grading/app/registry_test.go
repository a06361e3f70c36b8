package app

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
	"github.com/louisbranch/gradeloop/internal/services/grading/integration/docker"
	"github.com/louisbranch/gradeloop/internal/services/grading/integration/nbgrader"
	"github.com/louisbranch/gradeloop/internal/services/grading/integration/zfs"
)

type fakeShell struct{}

func (fakeShell) Run(context.Context, string, io.Reader) ([]byte, error) { return nil, nil }

type fakeContainers struct{}

func (fakeContainers) Run(context.Context, docker.Job) (docker.Result, error) {
	return docker.Result{}, nil
}

var (
	_ zfs.Runner               = fakeShell{}
	_ nbgrader.ContainerRunner = fakeContainers{}
)

func canvasGroup() GroupConfig {
	return GroupConfig{
		Name:     "stat201",
		Backends: BackendNames{LMS: BackendCanvas, Engine: BackendNbgrader, Snapshots: BackendZFS},
		LMS:      LMSConfig{BaseURL: "https://canvas.example.edu", TokenEnv: "STAT201_TOKEN"},
		Storage:  StorageConfig{Dataset: "tank/home", Mountpoint: "/tank/home", WorkspaceDataset: "tank/grading", GraderRoot: "/tank/grading"},
		Engine:   EngineConfig{Image: "nbgrader:latest"},
		Sections: []SectionConfig{{Name: "stat201-101", CourseID: "1001"}},
	}
}

func TestDefaultRegistryBuild(t *testing.T) {
	registry := DefaultRegistry(Deps{
		Getenv:     func(name string) string { return map[string]string{"STAT201_TOKEN": "secret"}[name] },
		Shell:      fakeShell{},
		Containers: fakeContainers{},
	})
	group := canvasGroup()

	backends, err := registry.Build(group, group.Sections[0])
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if backends.LMS == nil || backends.Engine == nil || backends.Snapshots == nil {
		t.Fatalf("backends = %+v", backends)
	}
	if backends.Provisioner == nil {
		t.Fatal("expected workspace provisioner")
	}

	group.Storage.WorkspaceDataset = ""
	backends, err = registry.Build(group, group.Sections[0])
	if err != nil {
		t.Fatalf("build without workspaces: %v", err)
	}
	if backends.Provisioner != nil {
		t.Fatal("provisioner without workspace dataset")
	}

	remote := DefaultRegistry(Deps{
		Getenv:      func(string) string { return "secret" },
		Shell:       fakeShell{},
		RemoteShell: true,
		Containers:  fakeContainers{},
	})
	if _, err := remote.Build(group, group.Sections[0]); err != nil {
		t.Fatalf("build over ssh without workspace dataset: %v", err)
	}
}

func TestDefaultRegistryConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		deps  Deps
		group func() GroupConfig
	}{
		{
			name:  "empty token",
			deps:  Deps{Getenv: func(string) string { return "" }, Shell: fakeShell{}, Containers: fakeContainers{}},
			group: canvasGroup,
		},
		{
			name:  "no container runner",
			deps:  Deps{Getenv: func(string) string { return "secret" }, Shell: fakeShell{}},
			group: canvasGroup,
		},
		{
			name:  "no snapshot host",
			deps:  Deps{Getenv: func(string) string { return "secret" }, Containers: fakeContainers{}},
			group: canvasGroup,
		},
		{
			name:  "workspace dataset over ssh",
			deps:  Deps{Getenv: func(string) string { return "secret" }, Shell: fakeShell{}, RemoteShell: true, Containers: fakeContainers{}},
			group: canvasGroup,
		},
		{
			name: "unknown lms",
			deps: Deps{Getenv: func(string) string { return "secret" }, Shell: fakeShell{}, Containers: fakeContainers{}},
			group: func() GroupConfig {
				g := canvasGroup()
				g.Backends.LMS = "moodle"
				return g
			},
		},
		{
			name: "unknown engine",
			deps: Deps{Getenv: func(string) string { return "secret" }, Shell: fakeShell{}, Containers: fakeContainers{}},
			group: func() GroupConfig {
				g := canvasGroup()
				g.Backends.Engine = "otter"
				return g
			},
		},
		{
			name: "unknown snapshots",
			deps: Deps{Getenv: func(string) string { return "secret" }, Shell: fakeShell{}, Containers: fakeContainers{}},
			group: func() GroupConfig {
				g := canvasGroup()
				g.Backends.Snapshots = "btrfs"
				return g
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := tc.group()
			_, err := DefaultRegistry(tc.deps).Build(g, g.Sections[0])
			if !errors.Is(err, domain.ErrConfig) {
				t.Fatalf("err = %v, want config error", err)
			}
		})
	}
}

func TestRegistryCustomBackends(t *testing.T) {
	registry := NewRegistry()
	wantErr := errors.New("engine offline")
	registry.RegisterLMS("fake", func(GroupConfig, SectionConfig) (domain.LMS, error) { return nil, nil })
	registry.RegisterEngine("fake", func(GroupConfig, SectionConfig) (domain.GradingEngine, error) { return nil, wantErr })
	registry.RegisterSnapshots("fake", func(GroupConfig) (domain.SnapshotStore, domain.WorkspaceProvisioner, error) { return nil, nil, nil })

	group := GroupConfig{Name: "g", Backends: BackendNames{LMS: "fake", Engine: "fake", Snapshots: "fake"}}
	_, err := registry.Build(group, SectionConfig{Name: "s"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}
