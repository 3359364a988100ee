// Package docker launches tasks as Docker containers.
//
// Each launch becomes one container named after its launch id. A poll loop
// inspects tracked containers and reports state changes to the sink.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/GoCodeAlone/rollout/internal/errs"
	"github.com/GoCodeAlone/rollout/internal/logging"
	"github.com/GoCodeAlone/rollout/launcher"
	"github.com/GoCodeAlone/rollout/task"
)

// Name is the registry name of this launcher.
const Name = "docker"

// Container labels set on every launch.
const (
	LabelTaskName    = "rollout.task-name"
	LabelTaskID      = "rollout.task-id"
	LabelPodInstance = "rollout.pod-instance"
)

// Config controls container creation.
type Config struct {
	DefaultImage string
	NetworkMode  string
	NamePrefix   string
	PollInterval time.Duration
}

func (c *Config) defaults() {
	if c.DefaultImage == "" {
		c.DefaultImage = "alpine:3.20"
	}
	if c.NamePrefix == "" {
		c.NamePrefix = "rollout-"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

// dockerAPI is the subset of the Docker client used here.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

type tracked struct {
	info        task.Info
	containerID string
	last        task.State
}

// Launcher implements launcher.Launcher on a Docker daemon.
type Launcher struct {
	api    dockerAPI
	sink   launcher.StatusSink
	cfg    Config
	logger *slog.Logger
	seq    launcher.Sequencer

	mu         sync.Mutex
	containers map[string]*tracked // launch id -> container

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New connects to the Docker daemon from the environment and starts the
// status poll loop.
func New(sink launcher.StatusSink, cfg Config, logger *slog.Logger) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return newWithAPI(cli, sink, cfg, logger), nil
}

func newWithAPI(api dockerAPI, sink launcher.StatusSink, cfg Config, logger *slog.Logger) *Launcher {
	cfg.defaults()
	l := &Launcher{
		api:        api,
		sink:       sink,
		cfg:        cfg,
		logger:     logging.OrDiscard(logger),
		containers: make(map[string]*tracked),
		stop:       make(chan struct{}),
	}
	l.wg.Add(1)
	go l.pollLoop()
	return l
}

// Factory builds a Docker launcher from registry options. Recognised
// settings are "image", "network" and "poll_interval".
func Factory(opts launcher.Options) (launcher.Launcher, error) {
	cfg := Config{
		DefaultImage: opts.Settings["image"],
		NetworkMode:  opts.Settings["network"],
	}
	if v := opts.Settings["poll_interval"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parse poll_interval: %w", err)
		}
		cfg.PollInterval = d
	}
	return New(opts.Sink, cfg, opts.Logger)
}

// Name returns the launcher identifier.
func (l *Launcher) Name() string { return Name }

// Launch creates and starts a container for info.
func (l *Launcher) Launch(ctx context.Context, info task.Info) error {
	id := info.TaskID.Value
	if id == "" {
		return errs.InvalidInput("launch %q without task id", info.Name)
	}

	img := info.Image
	if img == "" {
		img = l.cfg.DefaultImage
	}
	if err := l.ensureImage(ctx, img); err != nil {
		return fmt.Errorf("launch %s: %w", id, err)
	}

	cfg := &container.Config{
		Image:  img,
		Env:    containerEnv(info),
		Labels: containerLabels(info),
	}
	if info.Cmd != "" {
		cfg.Cmd = []string{"sh", "-c", info.Cmd}
	}
	hostCfg := &container.HostConfig{}
	if l.cfg.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(l.cfg.NetworkMode)
	}

	resp, err := l.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, l.containerName(id))
	if err != nil {
		return fmt.Errorf("create container for %s: %w", id, err)
	}
	if err := l.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = l.api.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("start container for %s: %w", id, err)
	}

	l.mu.Lock()
	l.containers[id] = &tracked{info: info, containerID: resp.ID, last: task.StateStaging}
	seq := l.seq.Next()
	l.mu.Unlock()

	l.logger.Info("container started",
		slog.String("task_id", id),
		slog.String("container", resp.ID),
		slog.String("image", img),
	)
	l.report(id, task.StateStaging, "", seq)
	return nil
}

// Kill removes the container of a tracked launch and reports it killed.
func (l *Launcher) Kill(ctx context.Context, info task.Info) error {
	id := info.TaskID.Value
	l.mu.Lock()
	t, ok := l.containers[id]
	delete(l.containers, id)
	var seq uint64
	if ok {
		seq = l.seq.Next()
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}

	if err := l.api.ContainerRemove(ctx, t.containerID, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", t.containerID, err)
	}
	l.report(id, task.StateKilled, "killed", seq)
	return nil
}

// Close stops polling and closes the Docker client. Containers keep
// running; uninstall kills them through Kill.
func (l *Launcher) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stop)
		l.wg.Wait()
		err = l.api.Close()
	})
	return err
}

func (l *Launcher) pollLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.PollInterval*4)
			l.pollOnce(ctx)
			cancel()
		}
	}
}

// pollOnce inspects every tracked container and reports state changes.
func (l *Launcher) pollOnce(ctx context.Context) {
	l.mu.Lock()
	ids := make([]string, 0, len(l.containers))
	for id := range l.containers {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		l.mu.Lock()
		t, ok := l.containers[id]
		var containerID string
		if ok {
			containerID = t.containerID
		}
		l.mu.Unlock()
		if !ok {
			continue
		}

		state, msg, err := l.inspect(ctx, containerID)
		if err != nil {
			l.logger.Warn("inspect container failed",
				slog.String("task_id", id),
				slog.String("container", containerID),
				slog.Any("err", err),
			)
			continue
		}

		l.mu.Lock()
		t, ok = l.containers[id]
		if !ok || t.last == state {
			l.mu.Unlock()
			continue
		}
		t.last = state
		if state.Terminal() {
			delete(l.containers, id)
		}
		seq := l.seq.Next()
		l.mu.Unlock()

		l.report(id, state, msg, seq)
		if state.Terminal() && state != task.StateLost {
			_ = l.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
		}
	}
}

// inspect maps the container's Docker state onto a task state.
func (l *Launcher) inspect(ctx context.Context, containerID string) (task.State, string, error) {
	resp, err := l.api.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return task.StateLost, "container disappeared", nil
		}
		return "", "", err
	}
	if resp.ContainerJSONBase == nil || resp.State == nil {
		return task.StateStaging, "", nil
	}
	s := resp.State
	switch string(s.Status) {
	case "created":
		return task.StateStarting, "", nil
	case "running", "restarting", "paused":
		return task.StateRunning, "", nil
	case "exited":
		if s.ExitCode == 0 {
			return task.StateFinished, "", nil
		}
		msg := "exit code " + strconv.Itoa(s.ExitCode)
		if s.Error != "" {
			msg += ": " + s.Error
		}
		return task.StateFailed, msg, nil
	case "dead":
		return task.StateFailed, "container dead", nil
	case "removing":
		return task.StateKilled, "container removed", nil
	}
	return task.StateStaging, "", nil
}

func (l *Launcher) report(id string, state task.State, msg string, seq uint64) {
	st := task.Status{
		TaskID:    task.TaskID{Value: id},
		State:     state,
		Message:   msg,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.sink.ReportStatus(ctx, id, st); err != nil {
		l.logger.Debug("status report dropped",
			slog.String("task_id", id),
			slog.String("state", string(state)),
			slog.Any("err", err),
		)
	}
}

// ensureImage pulls img unless it is already present locally.
func (l *Launcher) ensureImage(ctx context.Context, img string) error {
	local, err := l.api.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", img)),
	})
	if err == nil && len(local) > 0 {
		return nil
	}

	l.logger.Info("pulling image", slog.String("image", img))
	reader, err := l.api.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	// Drain the reader to complete the pull.
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (l *Launcher) containerName(id string) string {
	var b strings.Builder
	b.WriteString(l.cfg.NamePrefix)
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

func containerEnv(info task.Info) []string {
	env := map[string]string{
		"TASK_NAME":          info.Name,
		"TASK_ID":            info.TaskID.Value,
		"POD_TYPE":           info.PodType,
		"POD_INSTANCE_INDEX": strconv.Itoa(info.PodIndex),
	}
	for k, v := range info.Env {
		env[k] = v
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func containerLabels(info task.Info) map[string]string {
	labels := make(map[string]string, len(info.Labels)+3)
	for k, v := range info.Labels {
		labels[k] = v
	}
	labels[LabelTaskName] = info.Name
	labels[LabelTaskID] = info.TaskID.Value
	labels[LabelPodInstance] = info.PodInstance
	return labels
}
