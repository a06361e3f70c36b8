// Package docker runs grading jobs in short-lived containers.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/semaphore"

	"github.com/louisbranch/gradeloop/internal/platform/timeouts"
	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
)

// API is the subset of the Docker Engine client used by Runner.
type API interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// NewClient connects to the Docker daemon configured by the environment.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return cli, nil
}

// Job describes one container invocation.
type Job struct {
	Image      string
	Cmd        []string
	Binds      []string
	WorkingDir string
	User       string
	// MemoryBytes caps the container memory; zero means no limit.
	MemoryBytes int64
}

// Result is the outcome of a finished container.
type Result struct {
	ExitCode int
	Log      string
}

// Config tunes a Runner.
type Config struct {
	// MaxConcurrent bounds running containers across all callers.
	MaxConcurrent int64
	StartAttempts uint
	StartBackoff  time.Duration
	PollInterval  time.Duration
	Logf          func(string, ...any)
}

// Runner starts containers, waits for them by polling and removes them.
type Runner struct {
	api      API
	slots    *semaphore.Weighted
	attempts uint
	backoff  time.Duration
	poll     time.Duration
	logf     func(string, ...any)
}

// NewRunner creates a Runner.
func NewRunner(api API, cfg Config) *Runner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.StartAttempts == 0 {
		cfg.StartAttempts = 5
	}
	if cfg.StartBackoff <= 0 {
		cfg.StartBackoff = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = timeouts.ContainerPoll
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Runner{
		api:      api,
		slots:    semaphore.NewWeighted(cfg.MaxConcurrent),
		attempts: cfg.StartAttempts,
		backoff:  cfg.StartBackoff,
		poll:     cfg.PollInterval,
		logf:     cfg.Logf,
	}
}

// Run executes job to completion. A container that cannot be started after
// the configured attempts yields a permanent error.
func (r *Runner) Run(ctx context.Context, job Job) (Result, error) {
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer r.slots.Release(1)

	ctx, cancel := context.WithTimeout(ctx, timeouts.ContainerJob)
	defer cancel()

	created, err := r.api.ContainerCreate(ctx, &container.Config{
		Image:      job.Image,
		Cmd:        job.Cmd,
		WorkingDir: job.WorkingDir,
		User:       job.User,
	}, &container.HostConfig{
		Binds:     job.Binds,
		Resources: container.Resources{Memory: job.MemoryBytes},
	}, nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Shutdown)
		defer rmCancel()
		if err := r.api.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			r.logf("remove container %s: %v", created.ID, err)
		}
	}()

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := r.api.ContainerStart(ctx, created.ID, container.StartOptions{})
		if err != nil {
			r.logf("start container %s (attempt %d/%d): %v", created.ID, attempt, r.attempts, err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewConstantBackOff(r.backoff)), backoff.WithMaxTries(r.attempts))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, domain.Permanent(fmt.Errorf("start container after %d attempts: %w", attempt, err))
	}

	exit, err := r.wait(ctx, created.ID)
	if err != nil {
		return Result{}, err
	}
	return Result{ExitCode: exit, Log: r.logs(ctx, created.ID)}, nil
}

// wait polls the container state until it leaves the running states.
func (r *Runner) wait(ctx context.Context, id string) (int, error) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		info, err := r.api.ContainerInspect(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("inspect container %s: %w", id, err)
		}
		if info.ContainerJSONBase != nil && info.State != nil {
			switch info.State.Status {
			case "exited", "dead":
				return info.State.ExitCode, nil
			}
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("wait for container %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Runner) logs(ctx context.Context, id string) string {
	rc, err := r.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		r.logf("read logs for %s: %v", id, err)
		return ""
	}
	defer rc.Close()
	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil && !errors.Is(err, io.EOF) {
		r.logf("demux logs for %s: %v", id, err)
	}
	return out.String()
}
