package app

import (
	"fmt"
	"strings"

	"github.com/louisbranch/gradeloop/internal/platform/config"
	"github.com/louisbranch/gradeloop/internal/services/grading/graders"
)

// DefaultRoster keys the roster used for assignments without their own.
const DefaultRoster = "*"

// CoursesFile is the course group configuration file.
type CoursesFile struct {
	Groups []GroupConfig `yaml:"groups"`
}

// GroupConfig describes one course group: sections that share backends,
// graders and an administrator.
type GroupConfig struct {
	Name     string          `yaml:"name"`
	Admin    string          `yaml:"admin"`
	Locale   string          `yaml:"locale"`
	Backends BackendNames    `yaml:"backends"`
	LMS      LMSConfig       `yaml:"lms"`
	Storage  StorageConfig   `yaml:"storage"`
	Engine   EngineConfig    `yaml:"engine"`
	Sections []SectionConfig `yaml:"sections"`
	// Graders maps an assignment name, or DefaultRoster, to its graders.
	Graders map[string][]GraderConfig `yaml:"graders"`
}

// BackendNames selects the registered implementation of each collaborator.
type BackendNames struct {
	LMS       string `yaml:"lms"`
	Engine    string `yaml:"engine"`
	Snapshots string `yaml:"snapshots"`
}

// LMSConfig locates the LMS. The token is read from the TokenEnv variable so
// it never sits in the file.
type LMSConfig struct {
	BaseURL  string `yaml:"base_url"`
	TokenEnv string `yaml:"token_env"`
}

// StorageConfig locates student homes and grader workspaces. Dataset and
// Mountpoint are reached through the snapshot host's shell, which may be SSH.
// GraderRoot is always read and written on this machine, so WorkspaceDataset
// is only honored with a local shell.
type StorageConfig struct {
	Dataset          string `yaml:"dataset"`
	Mountpoint       string `yaml:"mountpoint"`
	WorkspaceDataset string `yaml:"workspace_dataset"`
	GraderRoot       string `yaml:"grader_root"`
	Quota            string `yaml:"quota"`
}

// EngineConfig configures the grading engine.
type EngineConfig struct {
	Image   string `yaml:"image"`
	RepoURL string `yaml:"repo_url"`
}

// SectionConfig is one LMS course section.
type SectionConfig struct {
	Name     string `yaml:"name"`
	CourseID string `yaml:"course_id"`
}

// GraderConfig binds a grader to a human account.
type GraderConfig struct {
	Account string `yaml:"account"`
	Email   string `yaml:"email"`
}

// LoadCourses reads and validates a course group file.
func LoadCourses(path string) (CoursesFile, error) {
	var file CoursesFile
	if err := config.LoadYAML(path, &file); err != nil {
		return CoursesFile{}, err
	}
	if err := file.Validate(); err != nil {
		return CoursesFile{}, fmt.Errorf("courses %s: %w", path, err)
	}
	return file, nil
}

// Validate checks the structure of every group.
func (f CoursesFile) Validate() error {
	if len(f.Groups) == 0 {
		return fmt.Errorf("no course groups")
	}
	seen := make(map[string]bool, len(f.Groups))
	for _, g := range f.Groups {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			return fmt.Errorf("course group without name")
		}
		if seen[name] {
			return fmt.Errorf("duplicate course group %q", name)
		}
		seen[name] = true
		if err := g.validate(); err != nil {
			return fmt.Errorf("group %s: %w", name, err)
		}
	}
	return nil
}

func (g GroupConfig) validate() error {
	if g.Backends.LMS == "" || g.Backends.Engine == "" || g.Backends.Snapshots == "" {
		return fmt.Errorf("lms, engine and snapshots backends are required")
	}
	if len(g.Sections) == 0 {
		return fmt.Errorf("no sections")
	}
	sections := make(map[string]bool, len(g.Sections))
	for _, s := range g.Sections {
		if strings.TrimSpace(s.Name) == "" || strings.TrimSpace(s.CourseID) == "" {
			return fmt.Errorf("section needs a name and course id")
		}
		if sections[s.Name] {
			return fmt.Errorf("duplicate section %q", s.Name)
		}
		sections[s.Name] = true
	}
	if strings.TrimSpace(g.Storage.GraderRoot) == "" {
		return fmt.Errorf("storage.grader_root is required")
	}
	for assignment, roster := range g.Graders {
		for _, grader := range roster {
			if strings.TrimSpace(grader.Account) == "" {
				return fmt.Errorf("grader for %s without account", assignment)
			}
		}
	}
	return nil
}

// Roster returns the grader specs for assignment, falling back to the
// default roster.
func (g GroupConfig) Roster(assignment string) []graders.Spec {
	roster, ok := g.Graders[assignment]
	if !ok {
		roster = g.Graders[DefaultRoster]
	}
	specs := make([]graders.Spec, 0, len(roster))
	for _, r := range roster {
		specs = append(specs, graders.Spec{Account: r.Account, Email: r.Email})
	}
	return specs
}
