// Package gradeloop parses orchestrator command flags and launches the
// grading runtime.
package gradeloop

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/gradeloop/internal/platform/cmd"
	"github.com/louisbranch/gradeloop/internal/platform/config"
	platformgrpc "github.com/louisbranch/gradeloop/internal/platform/grpc"
	"github.com/louisbranch/gradeloop/internal/services/grading/app"
	"github.com/louisbranch/gradeloop/internal/services/grading/integration/zfs"
)

const dateLayout = "2006-01-02"

// Config holds orchestrator command configuration.
type Config struct {
	Port        int    `env:"GRADELOOP_PORT" envDefault:"8094"`
	CoursesPath string `env:"GRADELOOP_COURSES" envDefault:"courses.yaml"`
	JournalPath string `env:"GRADELOOP_JOURNAL_PATH" envDefault:"data/gradeloop.db"`
	DryRun      bool   `env:"GRADELOOP_DRY_RUN"`

	ExtensionDays           int     `env:"GRADELOOP_EXTENSION_DAYS" envDefault:"21"`
	RegistrationDeadline    string  `env:"GRADELOOP_REGISTRATION_DEADLINE"`
	ReturnSolutionThreshold float64 `env:"GRADELOOP_RETURN_SOLUTION_THRESHOLD" envDefault:"0.93"`
	EarliestSolutionReturn  string  `env:"GRADELOOP_EARLIEST_SOLUTION_RETURN"`

	SnapshotInterval time.Duration `env:"GRADELOOP_SNAPSHOT_INTERVAL" envDefault:"5m"`
	AutoextInterval  time.Duration `env:"GRADELOOP_AUTOEXT_INTERVAL" envDefault:"5m"`
	GradingTime      string        `env:"GRADELOOP_GRADING_TIME" envDefault:"03:00"`
	GradingTimeZone  string        `env:"GRADELOOP_TIME_ZONE"`
	NotificationDays string        `env:"GRADELOOP_NOTIFICATION_DAYS" envDefault:"Mon,Thu"`
	NotifyDelay      time.Duration `env:"GRADELOOP_NOTIFY_DELAY" envDefault:"10s"`

	MaxConcurrentJobs      int           `env:"GRADELOOP_MAX_CONCURRENT_JOBS" envDefault:"4"`
	ContainerStartAttempts uint          `env:"GRADELOOP_CONTAINER_START_ATTEMPTS" envDefault:"5"`
	ContainerStartBackoff  time.Duration `env:"GRADELOOP_CONTAINER_START_BACKOFF" envDefault:"10s"`

	SendGridKey string `env:"GRADELOOP_SENDGRID_API_KEY"`
	MailFrom    string `env:"GRADELOOP_MAIL_FROM" envDefault:"gradeloop@localhost"`

	SSHAddr       string `env:"GRADELOOP_SSH_ADDR"`
	SSHUser       string `env:"GRADELOOP_SSH_USER" envDefault:"root"`
	SSHKeyPath    string `env:"GRADELOOP_SSH_KEY"`
	SSHKnownHosts string `env:"GRADELOOP_SSH_KNOWN_HOSTS"`

	// Probe checks a running orchestrator instead of starting one.
	Probe        bool
	ProbeTimeout time.Duration `env:"GRADELOOP_PROBE_TIMEOUT" envDefault:"5s"`
}

// ParseConfig loads .env, then environment and flags, into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The health gRPC server port")
	fs.StringVar(&cfg.CoursesPath, "courses", cfg.CoursesPath, "Course group configuration file")
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "The pass journal SQLite database path")
	fs.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "Log intended writes without performing them")
	fs.IntVar(&cfg.ExtensionDays, "extension-days", cfg.ExtensionDays, "Grace days granted to late registrants")
	fs.StringVar(&cfg.RegistrationDeadline, "registration-deadline", cfg.RegistrationDeadline, "Last unlock date (YYYY-MM-DD) eligible for extensions")
	fs.Float64Var(&cfg.ReturnSolutionThreshold, "return-threshold", cfg.ReturnSolutionThreshold, "Past-due fraction that opens solution and feedback return")
	fs.StringVar(&cfg.EarliestSolutionReturn, "earliest-return", cfg.EarliestSolutionReturn, "Date (YYYY-MM-DD) before which nothing is returned")
	fs.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "Snapshot loop interval")
	fs.DurationVar(&cfg.AutoextInterval, "autoext-interval", cfg.AutoextInterval, "Auto-extension loop interval")
	fs.StringVar(&cfg.GradingTime, "grading-time", cfg.GradingTime, "Daily grading wake time (HH:MM)")
	fs.StringVar(&cfg.GradingTimeZone, "time-zone", cfg.GradingTimeZone, "IANA zone for the grading wake and dates")
	fs.StringVar(&cfg.NotificationDays, "notification-days", cfg.NotificationDays, "Weekdays on which routine reminders are sent")
	fs.IntVar(&cfg.MaxConcurrentJobs, "max-jobs", cfg.MaxConcurrentJobs, "Maximum concurrent sections, assignments and containers")
	fs.StringVar(&cfg.SSHAddr, "ssh-addr", cfg.SSHAddr, "Snapshot host SSH address; local commands when empty")
	fs.BoolVar(&cfg.Probe, "probe", false, "Check the health of a running orchestrator and exit")
	fs.DurationVar(&cfg.ProbeTimeout, "probe-timeout", cfg.ProbeTimeout, "How long -probe waits for every loop to serve")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RuntimeConfig converts cfg, parsing dates in the configured zone.
func (cfg Config) RuntimeConfig() (app.RuntimeConfig, error) {
	loc := time.Local
	if zone := strings.TrimSpace(cfg.GradingTimeZone); zone != "" {
		var err error
		if loc, err = time.LoadLocation(zone); err != nil {
			return app.RuntimeConfig{}, fmt.Errorf("time zone: %w", err)
		}
	}
	deadline, err := parseDate(cfg.RegistrationDeadline, loc)
	if err != nil {
		return app.RuntimeConfig{}, fmt.Errorf("registration deadline: %w", err)
	}
	earliest, err := parseDate(cfg.EarliestSolutionReturn, loc)
	if err != nil {
		return app.RuntimeConfig{}, fmt.Errorf("earliest solution return: %w", err)
	}
	return app.RuntimeConfig{
		Port:                    cfg.Port,
		CoursesPath:             cfg.CoursesPath,
		JournalPath:             cfg.JournalPath,
		ExtensionDays:           cfg.ExtensionDays,
		RegistrationDeadline:    deadline,
		ReturnSolutionThreshold: cfg.ReturnSolutionThreshold,
		EarliestSolutionReturn:  earliest,
		SnapshotInterval:        cfg.SnapshotInterval,
		AutoextInterval:         cfg.AutoextInterval,
		GradingTime:             cfg.GradingTime,
		GradingTimeZone:         cfg.GradingTimeZone,
		NotificationDays:        cfg.NotificationDays,
		NotifyDelay:             cfg.NotifyDelay,
		DryRun:                  cfg.DryRun,
		MaxConcurrentJobs:       cfg.MaxConcurrentJobs,
		ContainerStartAttempts:  cfg.ContainerStartAttempts,
		ContainerStartBackoff:   cfg.ContainerStartBackoff,
		SendGridKey:             cfg.SendGridKey,
		MailFrom:                cfg.MailFrom,
		SSH: zfs.SSHConfig{
			Addr:           cfg.SSHAddr,
			User:           cfg.SSHUser,
			KeyPath:        cfg.SSHKeyPath,
			KnownHostsPath: cfg.SSHKnownHosts,
		},
	}, nil
}

// parseDate reads YYYY-MM-DD as midnight in loc. Empty means unset.
func parseDate(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(dateLayout, value, loc)
}

// Run starts the grading runtime.
func Run(ctx context.Context, cfg Config) error {
	runtimeCfg, err := cfg.RuntimeConfig()
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceGradeloop, func(ctx context.Context) error {
		return app.Run(ctx, runtimeCfg)
	})
}

// Probe waits until every loop of the orchestrator listening on cfg.Port
// reports SERVING.
func Probe(ctx context.Context, cfg Config) error {
	services := []string{
		app.HealthService(app.LoopSnapshot),
		app.HealthService(app.LoopAutoext),
		app.HealthService(app.LoopGrading),
	}
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	return platformgrpc.Probe(ctx, addr, cfg.ProbeTimeout, services, nil)
}
