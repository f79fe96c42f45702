package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// Runner kinds recorded in the run manifest.
const (
	RunnerExec      = "exec"
	RunnerContainer = "container"
)

// Job is the training command. Run blocks until the command exits and
// returns its exit code; err is set only when the command could not be run
// or waited on.
type Job interface {
	Run(ctx context.Context) (exitCode int, err error)
	Kind() string
	Image() string
	Command() []string
}

// ExecJob runs the command as a child process.
type ExecJob struct {
	Args   []string
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer

	// GracePeriod is how long the child gets after SIGTERM on cancellation.
	GracePeriod time.Duration
}

// Kind implements Job.
func (j *ExecJob) Kind() string { return RunnerExec }

// Image implements Job.
func (j *ExecJob) Image() string { return "" }

// Command implements Job.
func (j *ExecJob) Command() []string { return j.Args }

// Run implements Job.
func (j *ExecJob) Run(ctx context.Context) (int, error) {
	if len(j.Args) == 0 {
		return -1, errors.New("no command to run")
	}
	cmd := exec.CommandContext(ctx, j.Args[0], j.Args[1:]...)
	cmd.Env = append(os.Environ(), j.Env...)
	cmd.Dir = j.Dir
	cmd.Stdout = orDefault(j.Stdout, os.Stdout)
	cmd.Stderr = orDefault(j.Stderr, os.Stderr)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = j.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 30 * time.Second
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("run %s: %w", j.Args[0], err)
}

func orDefault(w, def io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return def
}

// ContainerAPI is the slice of the Docker engine API the container job uses.
type ContainerAPI interface {
	Pull(ctx context.Context, ref string) error
	Create(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (int, error)
	Logs(ctx context.Context, id string, stdout, stderr io.Writer) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
}

// DockerAPI adapts a Docker client to ContainerAPI.
type DockerAPI struct {
	client *client.Client
}

// NewDockerAPI connects to the daemon named by the environment.
func NewDockerAPI() (*DockerAPI, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerAPI{client: c}, nil
}

// Pull implements ContainerAPI.
func (d *DockerAPI) Pull(ctx context.Context, ref string) error {
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Create implements ContainerAPI.
func (d *DockerAPI) Create(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := d.client.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Start implements ContainerAPI.
func (d *DockerAPI) Start(ctx context.Context, id string) error {
	return d.client.ContainerStart(ctx, id, container.StartOptions{})
}

// Wait implements ContainerAPI.
func (d *DockerAPI) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// Logs implements ContainerAPI. It follows the log stream until the
// container exits or ctx is done.
func (d *DockerAPI) Logs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	logs, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return err
	}
	defer logs.Close()
	_, err = stdcopy.StdCopy(stdout, stderr, logs)
	return err
}

// Stop implements ContainerAPI.
func (d *DockerAPI) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	return d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

// Remove implements ContainerAPI.
func (d *DockerAPI) Remove(ctx context.Context, id string) error {
	return d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// ContainerJob runs the command inside a container.
type ContainerJob struct {
	API       ContainerAPI
	Ref       string
	Args      []string
	Env       []string
	Name      string
	Labels    map[string]string
	UseGPUs   bool
	Stdout    io.Writer
	Stderr    io.Writer
	StopAfter time.Duration
	Logger    *zap.Logger
}

// Kind implements Job.
func (j *ContainerJob) Kind() string { return RunnerContainer }

// Image implements Job.
func (j *ContainerJob) Image() string { return j.Ref }

// Command implements Job.
func (j *ContainerJob) Command() []string { return j.Args }

// Run implements Job. The container is removed on return; on cancellation
// it is stopped first so the job can checkpoint.
func (j *ContainerJob) Run(ctx context.Context) (int, error) {
	logger := j.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if j.Ref == "" {
		return -1, errors.New("container image is required")
	}

	if err := j.API.Pull(ctx, j.Ref); err != nil {
		return -1, fmt.Errorf("pull %s: %w", j.Ref, err)
	}

	cfg := &container.Config{
		Image:  j.Ref,
		Env:    j.Env,
		Labels: j.Labels,
	}
	if len(j.Args) > 0 {
		cfg.Cmd = j.Args
	}
	host := &container.HostConfig{}
	if j.UseGPUs {
		host.Resources.DeviceRequests = []container.DeviceRequest{{Count: -1, Capabilities: [][]string{{"gpu"}}}}
	}

	id, err := j.API.Create(ctx, j.Name, cfg, host)
	if err != nil {
		return -1, fmt.Errorf("create container: %w", err)
	}
	cleanup := context.WithoutCancel(ctx)
	defer func() {
		if err := j.API.Remove(cleanup, id); err != nil {
			logger.Warn("Failed to remove job container", zap.String("container", shortContainerID(id)), zap.Error(err))
		}
	}()

	if err := j.API.Start(ctx, id); err != nil {
		return -1, fmt.Errorf("start container: %w", err)
	}
	logger.Info("Job container started", zap.String("container", shortContainerID(id)), zap.String("image", j.Ref))

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		if err := j.API.Logs(cleanup, id, orDefault(j.Stdout, os.Stdout), orDefault(j.Stderr, os.Stderr)); err != nil {
			logger.Debug("Log stream ended", zap.Error(err))
		}
	}()

	code, err := j.API.Wait(ctx, id)
	if ctx.Err() != nil {
		stopAfter := j.StopAfter
		if stopAfter <= 0 {
			stopAfter = 30 * time.Second
		}
		if stopErr := j.API.Stop(cleanup, id, stopAfter); stopErr != nil {
			logger.Warn("Failed to stop job container", zap.Error(stopErr))
		}
		code, err = j.API.Wait(cleanup, id)
	}
	<-logsDone
	if err != nil {
		return code, fmt.Errorf("wait for container: %w", err)
	}
	return code, nil
}

func shortContainerID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// ShellCommand wraps a single command string for /bin/sh.
func ShellCommand(cmd string) []string {
	return []string{"/bin/sh", "-c", strings.TrimSpace(cmd)}
}
