// Package app wires course sections to their backends and runs the snapshot,
// auto-extension and grading loops over them.
package app

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/gradeloop/internal/platform/otel"
	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
	"github.com/louisbranch/gradeloop/internal/services/grading/extension"
	"github.com/louisbranch/gradeloop/internal/services/grading/graders"
	"github.com/louisbranch/gradeloop/internal/services/grading/lifecycle"
	"github.com/louisbranch/gradeloop/internal/services/grading/notify"
	"github.com/louisbranch/gradeloop/internal/services/grading/snapshot"
	"github.com/louisbranch/gradeloop/internal/services/grading/storage"
)

// Loop names. They label journal entries and health services.
const (
	LoopSnapshot = "snapshot"
	LoopAutoext  = "autoext"
	LoopGrading  = "grading"
)

// HealthService is the health check name reported for loop.
func HealthService(loop string) string {
	return "gradeloop." + loop
}

const (
	defaultLoopInterval  = 5 * time.Minute
	defaultMaxConcurrent = 4
)

// Section is one course section with its resolved backends.
type Section struct {
	Group    GroupConfig
	Config   SectionConfig
	Backends Backends
	Notifier *notify.Aggregator
}

func (s *Section) label() string {
	return s.Group.Name + "/" + s.Config.Name
}

// StatusSetter receives loop health changes. *health.Server satisfies it.
type StatusSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// Config wires an Orchestrator.
type Config struct {
	Sections         []*Section
	Extension        extension.Policy
	Release          domain.ReleasePolicy
	SnapshotInterval time.Duration
	AutoextInterval  time.Duration
	// GradingSchedule is a cron expression for the grading wake, usually
	// built with DailySchedule.
	GradingSchedule string
	// MaxConcurrent bounds sections, and assignments within a section,
	// processed at once.
	MaxConcurrent int
	DryRun        bool
	Repository    graders.Repository
	Journal       storage.Journal
	Health        StatusSetter
	Logf          func(string, ...any)
	Now           func() time.Time
}

// Orchestrator runs the three periodic loops.
type Orchestrator struct {
	sections         []*Section
	extension        extension.Policy
	release          domain.ReleasePolicy
	snapshotInterval time.Duration
	autoextInterval  time.Duration
	schedule         cron.Schedule
	maxConcurrent    int
	dryRun           bool
	repository       graders.Repository
	journal          storage.Journal
	health           StatusSetter
	tracer           trace.Tracer
	logf             func(string, ...any)
	now              func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Sections) == 0 {
		return nil, fmt.Errorf("no course sections configured")
	}
	if strings.TrimSpace(cfg.GradingSchedule) == "" {
		return nil, fmt.Errorf("grading schedule is required")
	}
	schedule, err := cron.ParseStandard(cfg.GradingSchedule)
	if err != nil {
		return nil, fmt.Errorf("parse grading schedule %q: %w", cfg.GradingSchedule, err)
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = defaultLoopInterval
	}
	if cfg.AutoextInterval <= 0 {
		cfg.AutoextInterval = defaultLoopInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		sections:         cfg.Sections,
		extension:        cfg.Extension,
		release:          cfg.Release,
		snapshotInterval: cfg.SnapshotInterval,
		autoextInterval:  cfg.AutoextInterval,
		schedule:         schedule,
		maxConcurrent:    cfg.MaxConcurrent,
		dryRun:           cfg.DryRun,
		repository:       cfg.Repository,
		journal:          cfg.Journal,
		health:           cfg.Health,
		tracer:           otel.Tracer("gradeloop/app"),
		logf:             cfg.Logf,
		now:              cfg.Now,
	}, nil
}

// DailySchedule turns a "HH:MM" wall-clock time in zone into a cron
// expression. An empty zone means the process local zone.
func DailySchedule(clock string, zone string) (string, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(clock), ":")
	if !ok {
		return "", fmt.Errorf("grading time %q is not HH:MM", clock)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("grading time %q has an invalid hour", clock)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("grading time %q has an invalid minute", clock)
	}
	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	if zone = strings.TrimSpace(zone); zone != "" {
		if _, err := time.LoadLocation(zone); err != nil {
			return "", fmt.Errorf("grading time zone: %w", err)
		}
		spec = "CRON_TZ=" + zone + " " + spec
	}
	return spec, nil
}

// NextGrading returns the first grading wake strictly after now.
func (o *Orchestrator) NextGrading(now time.Time) time.Time {
	return o.schedule.Next(now)
}

// Run drives the three loops until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.every(ctx, LoopSnapshot, o.snapshotInterval, o.SnapshotPass) })
	g.Go(func() error { return o.every(ctx, LoopAutoext, o.autoextInterval, o.AutoextPass) })
	g.Go(func() error { return o.daily(ctx, LoopGrading, o.GradingPass) })
	return g.Wait()
}

func (o *Orchestrator) setStatus(loop string, status healthpb.HealthCheckResponse_ServingStatus) {
	if o.health != nil {
		o.health.SetServingStatus(HealthService(loop), status)
	}
}

// every runs pass at startup and then on each tick.
func (o *Orchestrator) every(ctx context.Context, loop string, interval time.Duration, pass func(context.Context) error) error {
	o.setStatus(loop, healthpb.HealthCheckResponse_SERVING)
	defer o.setStatus(loop, healthpb.HealthCheckResponse_NOT_SERVING)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := pass(ctx); err != nil {
			o.logf("%s pass: %v", loop, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// daily sleeps until the next scheduled wake, recomputed from the wall clock
// after every pass so daylight saving shifts are honored.
func (o *Orchestrator) daily(ctx context.Context, loop string, pass func(context.Context) error) error {
	o.setStatus(loop, healthpb.HealthCheckResponse_SERVING)
	defer o.setStatus(loop, healthpb.HealthCheckResponse_NOT_SERVING)

	for {
		now := o.now()
		next := o.schedule.Next(now)
		o.logf("%s: next wake at %s", loop, next.Format(time.RFC3339))
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if err := pass(ctx); err != nil {
			o.logf("%s pass: %v", loop, err)
		}
	}
}

// SnapshotPass plans, takes and verifies due snapshots for every section.
func (o *Orchestrator) SnapshotPass(ctx context.Context) error {
	return o.eachSection(ctx, LoopSnapshot, o.snapshotSection)
}

// AutoextPass reconciles extension overrides for every section.
func (o *Orchestrator) AutoextPass(ctx context.Context) error {
	return o.eachSection(ctx, LoopAutoext, o.autoextSection)
}

// GradingPass advances every unlocked assignment of every section.
func (o *Orchestrator) GradingPass(ctx context.Context) error {
	return o.eachSection(ctx, LoopGrading, o.gradeSection)
}

type sectionFunc func(ctx context.Context, sec *Section) (detail string, err error)

// eachSection runs fn over the sections concurrently. A failing section is
// journaled and reported without stopping the others.
func (o *Orchestrator) eachSection(ctx context.Context, loop string, fn sectionFunc) error {
	runID := uuid.NewString()
	ctx, span := o.tracer.Start(ctx, loop+".pass", trace.WithAttributes(
		attribute.String("gradeloop.run_id", runID),
		attribute.Bool("gradeloop.dry_run", o.dryRun),
	))
	defer span.End()

	var mu sync.Mutex
	var report domain.Report
	var g errgroup.Group
	g.SetLimit(o.maxConcurrent)
	for _, sec := range o.sections {
		g.Go(func() error {
			started := o.now()
			detail, err := o.runSection(ctx, loop, sec, fn)
			if err != nil {
				o.logf("%s %s: %v", loop, sec.label(), err)
			}
			o.record(ctx, storage.PassRecord{
				RunID:      runID,
				Loop:       loop,
				Group:      sec.label(),
				Detail:     detail,
				StartedAt:  started,
				FinishedAt: o.now(),
			}, err)
			mu.Lock()
			defer mu.Unlock()
			report.Processed++
			report.Fail(sec.label(), err)
			return nil
		})
	}
	_ = g.Wait()

	if err := report.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d sections failed", len(report.Failures), report.Processed))
		return err
	}
	return nil
}

func (o *Orchestrator) runSection(ctx context.Context, loop string, sec *Section, fn sectionFunc) (string, error) {
	ctx, span := o.tracer.Start(ctx, loop+".section", trace.WithAttributes(
		attribute.String("gradeloop.group", sec.Group.Name),
		attribute.String("gradeloop.section", sec.Config.Name),
	))
	defer span.End()

	detail, err := fn(ctx, sec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "section failed")
	}
	return detail, err
}

func (o *Orchestrator) record(ctx context.Context, pass storage.PassRecord, err error) {
	if o.journal == nil {
		return
	}
	pass.Outcome = storage.OutcomeSucceeded
	if err != nil {
		pass.Outcome = storage.OutcomeFailed
		pass.LastError = err.Error()
	}
	if o.dryRun {
		pass.Detail = strings.TrimSpace("dry run " + pass.Detail)
	}
	if jerr := o.journal.AppendPass(context.WithoutCancel(ctx), pass); jerr != nil {
		o.logf("journal %s %s: %v", pass.Loop, pass.Group, jerr)
	}
}

// alert forwards a loop failure to the group administrator right away.
func (o *Orchestrator) alert(ctx context.Context, sec *Section, subject string, err error) {
	if err == nil || sec.Notifier == nil || sec.Group.Admin == "" {
		return
	}
	sec.Notifier.Failure(sec.Group.Admin, fmt.Sprintf("%s: %v", subject, err))
	if ferr := sec.Notifier.FlushFailures(ctx, o.now()); ferr != nil {
		o.logf("notify %s: %v", sec.label(), ferr)
	}
}

type sectionState struct {
	course      domain.CourseSection
	assignments []domain.Assignment
	students    []domain.Student
}

func (o *Orchestrator) fetch(ctx context.Context, sec *Section, withStudents bool) (sectionState, error) {
	lms := sec.Backends.LMS
	if lms == nil {
		return sectionState{}, domain.ErrNotConfigured
	}
	var st sectionState
	var err error
	if st.course, err = lms.GetCourseSectionInfo(ctx); err != nil {
		return sectionState{}, fmt.Errorf("get course section: %w", err)
	}
	if st.assignments, err = lms.GetAssignments(ctx); err != nil {
		return sectionState{}, fmt.Errorf("get assignments: %w", err)
	}
	if withStudents {
		if st.students, err = lms.GetStudents(ctx); err != nil {
			return sectionState{}, fmt.Errorf("get students: %w", err)
		}
	}
	return st, nil
}

func (o *Orchestrator) snapshotSection(ctx context.Context, sec *Section) (string, error) {
	st, err := o.fetch(ctx, sec, false)
	if err != nil {
		o.alert(ctx, sec, "snapshot "+sec.label(), err)
		return "", err
	}
	taker := snapshot.NewTaker(sec.Backends.Snapshots, o.dryRun, o.logf)
	n, err := taker.Run(ctx, st.course, st.assignments, o.now())
	o.alert(ctx, sec, "snapshot "+sec.label(), err)
	return fmt.Sprintf("%d snapshot(s) due", n), err
}

func (o *Orchestrator) autoextSection(ctx context.Context, sec *Section) (string, error) {
	st, err := o.fetch(ctx, sec, true)
	if err != nil {
		o.alert(ctx, sec, "extensions "+sec.label(), err)
		return "", err
	}
	plans, report := extension.PlanExtensions(st.course, st.assignments, st.students, o.extension, o.now())
	reconciler := extension.NewReconciler(sec.Backends.LMS, o.dryRun, o.logf)
	for _, plan := range plans {
		report.Fail("assignment "+plan.Assignment.Name, reconciler.Apply(ctx, plan))
	}
	err = report.Err()
	o.alert(ctx, sec, "extensions "+sec.label(), err)
	return fmt.Sprintf("%d assignment(s) with override changes", len(plans)), err
}

func (o *Orchestrator) gradeSection(ctx context.Context, sec *Section) (string, error) {
	now := o.now()
	st, err := o.fetch(ctx, sec, true)
	if err != nil {
		o.alert(ctx, sec, "grading "+sec.label(), err)
		return "", err
	}
	instructors, err := sec.Backends.LMS.GetInstructors(ctx)
	if err != nil {
		o.alert(ctx, sec, "grading "+sec.label(), err)
		return "", fmt.Errorf("get instructors: %w", err)
	}

	var notifier domain.Notifier
	if sec.Notifier != nil {
		notifier = sec.Notifier
	}
	machine := lifecycle.NewMachine(lifecycle.Config{
		LMS:       sec.Backends.LMS,
		Engine:    sec.Backends.Engine,
		Snapshots: sec.Backends.Snapshots,
		Bootstrap: graders.NewBootstrapper(graders.BootstrapConfig{
			Provisioner: sec.Backends.Provisioner,
			Repository:  o.repository,
			Engine:      sec.Backends.Engine,
			RepoURL:     sec.Group.Engine.RepoURL,
			DryRun:      o.dryRun,
			Logf:        o.logf,
		}),
		Notifier: notifier,
		Policy:   o.release,
		Admin:    sec.Group.Admin,
		DryRun:   o.dryRun,
		Logf:     o.logf,
		Now:      o.now,
	})

	var mu sync.Mutex
	var report domain.Report
	uploaded, returned, processed := 0, 0, 0
	var g errgroup.Group
	g.SetLimit(o.maxConcurrent)
	for _, assignment := range st.assignments {
		if !assignment.Published || assignment.UnlockAt.IsZero() || assignment.UnlockAt.After(now) {
			continue
		}
		roster := o.roster(st.course, sec.Group, assignment, instructors)
		g.Go(func() error {
			subject := "assignment " + assignment.Name
			var res lifecycle.Result
			var err error
			if len(roster) == 0 {
				err = domain.NewConfigError(assignment.Name, "no graders configured")
			} else {
				res, err = machine.ProcessAssignment(ctx, st.course, assignment, st.students, roster)
			}
			if err != nil {
				o.alert(ctx, sec, subject, err)
			}
			mu.Lock()
			defer mu.Unlock()
			processed++
			uploaded += res.Uploaded
			returned += res.Returned
			report.Fail(subject, err)
			report.Merge(res.Report)
			return nil
		})
	}
	_ = g.Wait()

	if sec.Notifier != nil {
		if err := sec.Notifier.Flush(ctx, o.now()); err != nil {
			report.Fail("notify", err)
		}
	}
	detail := fmt.Sprintf("%d assignment(s), %d grade(s) uploaded, %d document(s) returned", processed, uploaded, returned)
	return detail, report.Err()
}

// roster builds the graders of assignment, filling missing emails from the
// LMS instructor list.
func (o *Orchestrator) roster(course domain.CourseSection, group GroupConfig, assignment domain.Assignment, instructors []domain.Person) []*domain.Grader {
	specs := group.Roster(assignment.Name)
	out := make([]*domain.Grader, 0, len(specs))
	for _, spec := range specs {
		if spec.Email == "" {
			spec.Email = instructorEmail(instructors, spec.Account)
		}
		out = append(out, graders.New(course, assignment, spec, group.Storage.GraderRoot, group.Storage.Quota))
	}
	return out
}

func instructorEmail(instructors []domain.Person, account string) string {
	for _, p := range instructors {
		if p.ID == account || strings.EqualFold(p.Name, account) {
			return p.Email
		}
		if local, _, ok := strings.Cut(p.Email, "@"); ok && strings.EqualFold(local, account) {
			return p.Email
		}
	}
	return ""
}
