package app

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
	"github.com/louisbranch/gradeloop/internal/services/grading/integration/canvas"
	"github.com/louisbranch/gradeloop/internal/services/grading/integration/nbgrader"
	"github.com/louisbranch/gradeloop/internal/services/grading/integration/zfs"
)

// Backend names understood by DefaultRegistry.
const (
	BackendCanvas   = "canvas"
	BackendNbgrader = "nbgrader"
	BackendZFS      = "zfs"
)

// Backends are the collaborators serving one course section.
type Backends struct {
	LMS         domain.LMS
	Engine      domain.GradingEngine
	Snapshots   domain.SnapshotStore
	Provisioner domain.WorkspaceProvisioner
}

// LMSFactory builds the LMS client of a section.
type LMSFactory func(group GroupConfig, section SectionConfig) (domain.LMS, error)

// EngineFactory builds the grading engine of a section.
type EngineFactory func(group GroupConfig, section SectionConfig) (domain.GradingEngine, error)

// SnapshotFactory builds the snapshot store and workspace provisioner of a
// group.
type SnapshotFactory func(group GroupConfig) (domain.SnapshotStore, domain.WorkspaceProvisioner, error)

// Registry maps configured backend names to factories.
type Registry struct {
	lms       map[string]LMSFactory
	engines   map[string]EngineFactory
	snapshots map[string]SnapshotFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		lms:       make(map[string]LMSFactory),
		engines:   make(map[string]EngineFactory),
		snapshots: make(map[string]SnapshotFactory),
	}
}

// RegisterLMS binds name to f.
func (r *Registry) RegisterLMS(name string, f LMSFactory) { r.lms[name] = f }

// RegisterEngine binds name to f.
func (r *Registry) RegisterEngine(name string, f EngineFactory) { r.engines[name] = f }

// RegisterSnapshots binds name to f.
func (r *Registry) RegisterSnapshots(name string, f SnapshotFactory) { r.snapshots[name] = f }

// Build resolves the group's backend names for section.
func (r *Registry) Build(group GroupConfig, section SectionConfig) (Backends, error) {
	lmsFactory, ok := r.lms[group.Backends.LMS]
	if !ok {
		return Backends{}, domain.NewConfigError(group.Name, "unknown lms backend %q", group.Backends.LMS)
	}
	engineFactory, ok := r.engines[group.Backends.Engine]
	if !ok {
		return Backends{}, domain.NewConfigError(group.Name, "unknown engine backend %q", group.Backends.Engine)
	}
	snapshotFactory, ok := r.snapshots[group.Backends.Snapshots]
	if !ok {
		return Backends{}, domain.NewConfigError(group.Name, "unknown snapshots backend %q", group.Backends.Snapshots)
	}

	var b Backends
	var err error
	if b.LMS, err = lmsFactory(group, section); err != nil {
		return Backends{}, fmt.Errorf("build lms for %s: %w", section.Name, err)
	}
	if b.Engine, err = engineFactory(group, section); err != nil {
		return Backends{}, fmt.Errorf("build engine for %s: %w", section.Name, err)
	}
	if b.Snapshots, b.Provisioner, err = snapshotFactory(group); err != nil {
		return Backends{}, fmt.Errorf("build snapshots for %s: %w", section.Name, err)
	}
	return b, nil
}

// Deps are process-wide resources shared by the default backends.
type Deps struct {
	// Getenv resolves LMS token variables; os.Getenv when nil.
	Getenv     func(string) string
	HTTPClient *http.Client
	// Shell runs commands on the snapshot host.
	Shell zfs.Runner
	// RemoteShell is set when Shell reaches another machine. Grader
	// workspaces are filled through the local filesystem, so a dataset the
	// remote shell creates would never hold them.
	RemoteShell bool
	Containers  nbgrader.ContainerRunner
	Logf        func(string, ...any)
}

// DefaultRegistry registers the canvas, nbgrader and zfs backends.
func DefaultRegistry(deps Deps) *Registry {
	if deps.Getenv == nil {
		deps.Getenv = os.Getenv
	}
	r := NewRegistry()
	r.RegisterLMS(BackendCanvas, func(group GroupConfig, section SectionConfig) (domain.LMS, error) {
		token := ""
		if name := strings.TrimSpace(group.LMS.TokenEnv); name != "" {
			token = deps.Getenv(name)
			if token == "" {
				return nil, domain.NewConfigError(group.Name, "lms token variable %s is empty", name)
			}
		}
		return canvas.New(canvas.Config{
			BaseURL:  group.LMS.BaseURL,
			Token:    token,
			CourseID: section.CourseID,
			Client:   deps.HTTPClient,
		})
	})
	r.RegisterEngine(BackendNbgrader, func(group GroupConfig, section SectionConfig) (domain.GradingEngine, error) {
		if deps.Containers == nil {
			return nil, domain.NewConfigError(group.Name, "nbgrader needs a container runner")
		}
		return nbgrader.New(nbgrader.Config{
			Runner:   deps.Containers,
			Image:    group.Engine.Image,
			CourseID: section.Name,
			Logf:     deps.Logf,
		})
	})
	r.RegisterSnapshots(BackendZFS, func(group GroupConfig) (domain.SnapshotStore, domain.WorkspaceProvisioner, error) {
		if deps.Shell == nil {
			return nil, nil, domain.NewConfigError(group.Name, "zfs needs a snapshot host")
		}
		store, err := zfs.NewStore(deps.Shell, zfs.Config{Dataset: group.Storage.Dataset, Mountpoint: group.Storage.Mountpoint})
		if err != nil {
			return nil, nil, err
		}
		var provisioner domain.WorkspaceProvisioner
		if group.Storage.WorkspaceDataset != "" {
			if deps.RemoteShell {
				return nil, nil, domain.NewConfigError(group.Name, "workspace_dataset %s needs a local shell; create it on the snapshot host and mount it at grader_root", group.Storage.WorkspaceDataset)
			}
			provisioner = zfs.NewProvisioner(deps.Shell, group.Storage.WorkspaceDataset)
		}
		return store, provisioner, nil
	})
	return r
}
