package uninstall

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/subosito/gotenv"

	"github.com/GoCodeAlone/rollout/internal/logging"
)

// SignalKey is the launch configuration variable that requests uninstall
// when set to a non-empty value.
const SignalKey = "SDK_UNINSTALL"

const watchDebounce = 100 * time.Millisecond

// Requester accepts uninstall requests.
type Requester interface {
	RequestUninstall(ctx context.Context) State
}

// Watcher watches a KEY=VALUE launch configuration file and requests
// uninstall once SignalKey is set in it.
type Watcher struct {
	path   string
	target Requester
	logger *slog.Logger
}

// NewWatcher creates a Watcher for the env file at path.
func NewWatcher(path string, target Requester, logger *slog.Logger) *Watcher {
	return &Watcher{path: filepath.Clean(path), target: target, logger: logging.OrDiscard(logger)}
}

// Check reads the file once and requests uninstall if the signal is set.
// A missing file is not an error.
func (w *Watcher) Check(ctx context.Context) (bool, error) {
	env, err := gotenv.Read(w.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read launch config %s: %w", w.path, err)
	}
	if env[SignalKey] == "" {
		return false, nil
	}
	st := w.target.RequestUninstall(ctx)
	w.logger.Info("uninstall signalled by launch config",
		slog.String("path", w.path),
		slog.String("state", string(st)),
	)
	return true, nil
}

// Run checks the file, then re-checks after every change until the signal
// is seen or ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	// Watch the directory so the file may be created or replaced.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch directory %s: %w", filepath.Dir(w.path), err)
	}

	if hit, err := w.Check(ctx); err != nil {
		w.logger.Warn("launch config check failed", slog.Any("err", err))
	} else if hit {
		return nil
	}

	debounce := time.NewTimer(0)
	<-debounce.C
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(watchDebounce)

		case <-debounce.C:
			hit, err := w.Check(ctx)
			if err != nil {
				w.logger.Warn("launch config check failed", slog.Any("err", err))
				continue
			}
			if hit {
				return nil
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("launch config watcher error", slog.Any("err", err))
		}
	}
}
