package monitor

import (
	"context"
	"fmt"

	"github.com/hazyhaar/pagewatch/monitor/internal/orchestrator"
	"github.com/hazyhaar/pagewatch/watch"
)

// ReloadTargets replaces the configured target list. Targets dropped from
// the list are disabled and keep their history. The reload is refused while
// a batch run is active so that checkpoint indexes stay meaningful.
func (s *Service) ReloadTargets(ctx context.Context, targets []*Target) error {
	check := Config{Targets: targets}
	if err := check.Validate(); err != nil {
		return err
	}
	if s.orch.State() == orchestrator.StateRunning {
		return ErrAlreadyRunning
	}
	if err := s.changes.SyncTargets(ctx, targets); err != nil {
		return fmt.Errorf("sync targets: %w", err)
	}
	s.logger.Info("monitor: targets reloaded", "targets", len(targets))
	return nil
}

// ReloadConfigFile reads path and applies its target list.
func (s *Service) ReloadConfigFile(ctx context.Context, path string) error {
	cfg, err := LoadConfigFile(path)
	if err != nil {
		return err
	}
	return s.ReloadTargets(ctx, cfg.Targets)
}

// WatchConfigFile reloads the target list whenever the content of path
// changes, polling at the configured reload interval. It is a no-op when
// reload.interval is not set. Close waits for the watcher.
func (s *Service) WatchConfigFile(ctx context.Context, path string) {
	opts := s.cfg.Reload
	if opts.Interval <= 0 {
		return
	}
	opts.Logger = s.logger.With("config", path)
	w := watch.New(watch.File(path), opts)
	s.wg.Go(func() {
		w.OnChange(ctx, func(ctx context.Context) error {
			return s.ReloadConfigFile(ctx, path)
		})
	})
}
