package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/gradeloop/internal/platform/i18n/catalog"
	"github.com/louisbranch/gradeloop/internal/platform/timeouts"
	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
	"github.com/louisbranch/gradeloop/internal/services/grading/extension"
	"github.com/louisbranch/gradeloop/internal/services/grading/integration/docker"
	"github.com/louisbranch/gradeloop/internal/services/grading/integration/zfs"
	"github.com/louisbranch/gradeloop/internal/services/grading/notify"
	gradingsqlite "github.com/louisbranch/gradeloop/internal/services/grading/storage/sqlite"
)

// RuntimeConfig controls orchestrator startup and loop behavior.
type RuntimeConfig struct {
	Port        int
	CoursesPath string
	JournalPath string

	ExtensionDays           int
	RegistrationDeadline    time.Time
	ReturnSolutionThreshold float64
	EarliestSolutionReturn  time.Time

	SnapshotInterval time.Duration
	AutoextInterval  time.Duration
	GradingTime      string
	GradingTimeZone  string
	NotificationDays string
	NotifyDelay      time.Duration
	DryRun           bool

	MaxConcurrentJobs      int
	ContainerStartAttempts uint
	ContainerStartBackoff  time.Duration

	SendGridKey string
	MailFrom    string

	SSH zfs.SSHConfig
}

const (
	defaultPort        = 8094
	defaultJournalPath = "data/gradeloop.db"
)

// Run loads the course groups, starts the health server and runs the loops
// until ctx is done.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.CoursesPath) == "" {
		return fmt.Errorf("courses file is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}
	if strings.TrimSpace(cfg.JournalPath) == "" {
		cfg.JournalPath = defaultJournalPath
	}

	courses, err := LoadCourses(cfg.CoursesPath)
	if err != nil {
		return err
	}
	schedule, err := DailySchedule(cfg.GradingTime, cfg.GradingTimeZone)
	if err != nil {
		return err
	}
	days, err := notify.ParseDays(cfg.NotificationDays)
	if err != nil {
		return fmt.Errorf("notification days: %w", err)
	}

	if dir := filepath.Dir(cfg.JournalPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create journal dir: %w", err)
		}
	}
	journal, err := gradingsqlite.Open(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() {
		if closeErr := journal.Close(); closeErr != nil {
			log.Printf("close journal: %v", closeErr)
		}
	}()

	var shell zfs.Runner = zfs.LocalRunner{}
	remote := strings.TrimSpace(cfg.SSH.Addr) != ""
	if remote {
		sshRunner, err := zfs.DialSSH(cfg.SSH)
		if err != nil {
			return fmt.Errorf("connect snapshot host: %w", err)
		}
		defer sshRunner.Close()
		shell = sshRunner
	}

	dockerClient, err := docker.NewClient()
	if err != nil {
		return err
	}
	defer dockerClient.Close()
	containers := docker.NewRunner(dockerClient, docker.Config{
		MaxConcurrent: int64(cfg.MaxConcurrentJobs),
		StartAttempts: cfg.ContainerStartAttempts,
		StartBackoff:  cfg.ContainerStartBackoff,
	})

	registry := DefaultRegistry(Deps{
		HTTPClient:  &http.Client{Timeout: timeouts.HTTPRequest},
		Shell:       shell,
		RemoteShell: remote,
		Containers:  containers,
	})
	sections, err := BuildSections(courses, registry, newSender(cfg), days, cfg.NotifyDelay)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on health port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	orchestrator, err := New(Config{
		Sections:         sections,
		Extension:        extension.Policy{RegistrationDeadline: cfg.RegistrationDeadline, GraceDays: cfg.ExtensionDays},
		Release:          domain.ReleasePolicy{Threshold: cfg.ReturnSolutionThreshold, EarliestReturn: cfg.EarliestSolutionReturn},
		SnapshotInterval: cfg.SnapshotInterval,
		AutoextInterval:  cfg.AutoextInterval,
		GradingSchedule:  schedule,
		MaxConcurrent:    cfg.MaxConcurrentJobs,
		DryRun:           cfg.DryRun,
		Journal:          journal,
		Health:           healthServer,
	})
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(timeouts.Shutdown):
			grpcServer.Stop()
		}
		<-serveErr
	}()

	if cfg.DryRun {
		log.Printf("dry run: no snapshot, override, grade or document will be written")
	}
	log.Printf("gradeloop health server listening at %v; %d section(s)", listener.Addr(), len(sections))
	return orchestrator.Run(ctx)
}

func newSender(cfg RuntimeConfig) notify.Sender {
	if strings.TrimSpace(cfg.SendGridKey) != "" {
		return notify.NewSendGridSender(cfg.SendGridKey, "gradeloop", cfg.MailFrom)
	}
	return notify.NewConsoleSender(cfg.MailFrom, nil)
}

// BuildSections resolves the backends of every configured section.
func BuildSections(courses CoursesFile, registry *Registry, sender notify.Sender, days []time.Weekday, delay time.Duration) ([]*Section, error) {
	var sections []*Section
	for _, group := range courses.Groups {
		printer, err := catalog.Printer(group.Locale)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", group.Name, err)
		}
		for _, sc := range group.Sections {
			backends, err := registry.Build(group, sc)
			if err != nil {
				return nil, fmt.Errorf("group %s: %w", group.Name, err)
			}
			sections = append(sections, &Section{
				Group:    group,
				Config:   sc,
				Backends: backends,
				Notifier: notify.NewAggregator(notify.Config{
					Sender:  sender,
					Course:  sc.Name,
					Days:    days,
					Delay:   delay,
					Printer: printer,
				}),
			})
		}
	}
	return sections, nil
}
