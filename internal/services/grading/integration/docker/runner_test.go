package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/louisbranch/gradeloop/internal/services/grading/domain"
)

type fakeAPI struct {
	mu         sync.Mutex
	startFails int
	running    int
	exitCode   int
	output     string

	created  []*container.Config
	starts   int
	inspects int
	removed  []string
	active   int
	peak     int
	hold     chan struct{}
}

func (f *fakeAPI) ContainerCreate(_ context.Context, cfg *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, cfg)
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.starts <= f.startFails {
		return errors.New("port is already allocated")
	}
	return nil
}

func (f *fakeAPI) ContainerInspect(ctx context.Context, _ string) (container.InspectResponse, error) {
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return container.InspectResponse{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspects++
	status := "exited"
	if f.inspects <= f.running {
		status = "running"
	}
	return container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{
		State: &container.State{Status: status, ExitCode: f.exitCode},
	}}, nil
}

func (f *fakeAPI) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	_, _ = w.Write([]byte(f.output))
	return io.NopCloser(&buf), nil
}

func (f *fakeAPI) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	f.active--
	return nil
}

func testConfig() Config {
	return Config{StartBackoff: time.Millisecond, PollInterval: time.Millisecond, Logf: func(string, ...any) {}}
}

func TestRunner_RunToCompletion(t *testing.T) {
	api := &fakeAPI{running: 2, exitCode: 3, output: "autograded 2 notebooks\n"}
	r := NewRunner(api, testConfig())

	res, err := r.Run(context.Background(), Job{Image: "nbgrader:latest", Cmd: []string{"nbgrader", "autograde", "worksheet_01"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit = %d, want 3", res.ExitCode)
	}
	if res.Log != "autograded 2 notebooks\n" {
		t.Fatalf("log = %q", res.Log)
	}
	if api.inspects != 3 {
		t.Fatalf("inspects = %d, want 3", api.inspects)
	}
	if len(api.created) != 1 || api.created[0].Image != "nbgrader:latest" {
		t.Fatalf("created = %+v", api.created)
	}
	if len(api.removed) != 1 {
		t.Fatalf("removed = %v, want one removal", api.removed)
	}
}

func TestRunner_StartRetriesThenSucceeds(t *testing.T) {
	api := &fakeAPI{startFails: 2}
	r := NewRunner(api, testConfig())

	if _, err := r.Run(context.Background(), Job{Image: "img"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if api.starts != 3 {
		t.Fatalf("starts = %d, want 3", api.starts)
	}
}

func TestRunner_StartGivesUpAfterAttempts(t *testing.T) {
	api := &fakeAPI{startFails: 100}
	r := NewRunner(api, testConfig())

	_, err := r.Run(context.Background(), Job{Image: "img"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !domain.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if api.starts != 5 {
		t.Fatalf("starts = %d, want 5", api.starts)
	}
	if len(api.removed) != 1 {
		t.Fatalf("removed = %v, want container removed after failure", api.removed)
	}
}

func TestRunner_WaitHonorsContext(t *testing.T) {
	api := &fakeAPI{running: 1 << 30}
	r := NewRunner(api, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, Job{Image: "img"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if len(api.removed) != 1 {
		t.Fatalf("removed = %v, want container removed after cancel", api.removed)
	}
}

func TestRunner_BoundsConcurrency(t *testing.T) {
	api := &fakeAPI{hold: make(chan struct{})}
	r := NewRunner(api, Config{MaxConcurrent: 2, StartBackoff: time.Millisecond, PollInterval: time.Millisecond, Logf: func(string, ...any) {}})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Run(context.Background(), Job{Image: "img"}); err != nil {
				t.Errorf("run: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(api.hold)
	wg.Wait()

	if api.peak > 2 {
		t.Fatalf("peak = %d, want at most 2", api.peak)
	}
	if len(api.removed) != 5 {
		t.Fatalf("removed = %d, want 5", len(api.removed))
	}
}
