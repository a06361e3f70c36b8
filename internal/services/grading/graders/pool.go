// Package graders balances submissions across graders and bootstraps grader
// workspaces.
package graders

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
)

// Spec configures one grader for an assignment.
type Spec struct {
	Account string
	Email   string
}

// New builds the grader for (course, assignment, account) with its workspace
// under root.
func New(course domain.CourseSection, assignment domain.Assignment, spec Spec, root string, quota string) *domain.Grader {
	name := strings.Join([]string{
		sanitizeName(course.Name),
		sanitizeName(assignment.Name),
		sanitizeName(spec.Account),
	}, "-")
	return &domain.Grader{
		Name:       name,
		Account:    spec.Account,
		Email:      spec.Email,
		Assignment: assignment.Name,
		Workspace:  domain.Workspace{Root: filepath.Join(root, name), Quota: quota},
	}
}

func sanitizeName(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, value)
}

// Pool assigns submissions to graders. Workloads live on the graders so one
// pool per assignment pass sees the counts it produced.
type Pool struct {
	graders []*domain.Grader
}

// NewPool creates a pool over graders in priority order.
func NewPool(graders []*domain.Grader) *Pool {
	return &Pool{graders: graders}
}

// Graders returns the pooled graders.
func (p *Pool) Graders() []*domain.Grader {
	return p.graders
}

// Sticky returns the grader whose workspace already holds the submission's
// collected work, if any.
func (p *Pool) Sticky(sub *domain.Submission) (*domain.Grader, error) {
	for _, g := range p.graders {
		_, err := os.Stat(g.Workspace.Submitted(sub.Student.ID, sub.Assignment.Name))
		if err == nil {
			return g, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("probe grader %s workspace: %w", g.Name, err)
		}
	}
	return nil, nil
}

// Assign binds sub to a grader: the sticky grader when one holds the work,
// otherwise the least loaded grader with ties broken by pool order.
func (p *Pool) Assign(sub *domain.Submission) (*domain.Grader, error) {
	if len(p.graders) == 0 {
		return nil, domain.NewConfigError("assignment "+sub.Assignment.Name, "no graders configured")
	}
	g, err := p.Sticky(sub)
	if err != nil {
		return nil, err
	}
	if g == nil {
		g = p.leastLoaded()
	}
	g.Workload++
	sub.Grader = g
	return g, nil
}

// AssignAll binds sticky submissions first so load balancing accounts for
// work already placed by earlier passes.
func (p *Pool) AssignAll(subs []*domain.Submission) error {
	if len(p.graders) == 0 {
		if len(subs) == 0 {
			return nil
		}
		return domain.NewConfigError("assignment "+subs[0].Assignment.Name, "no graders configured")
	}
	pending := make([]*domain.Submission, 0, len(subs))
	for _, sub := range subs {
		g, err := p.Sticky(sub)
		if err != nil {
			return err
		}
		if g == nil {
			pending = append(pending, sub)
			continue
		}
		g.Workload++
		sub.Grader = g
	}
	for _, sub := range pending {
		g := p.leastLoaded()
		g.Workload++
		sub.Grader = g
	}
	return nil
}

func (p *Pool) leastLoaded() *domain.Grader {
	best := p.graders[0]
	for _, g := range p.graders[1:] {
		if g.Workload < best.Workload {
			best = g
		}
	}
	return best
}
