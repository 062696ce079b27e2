package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
)

// PolicyWatcher reloads the policy section of the config file whenever the
// file changes. A reload that fails to parse or validate is logged and the
// active policy stays in force.
type PolicyWatcher struct {
	path   string
	apply  func(domain.Policy) error
	logger *slog.Logger
}

func NewPolicyWatcher(path string, apply func(domain.Policy) error, logger *slog.Logger) *PolicyWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyWatcher{
		path:   path,
		apply:  apply,
		logger: logger.With("module", "bootstrap.policy_watcher", "layer", "bootstrap"),
	}
}

// Reload reads the file once and applies the policy.
func (w *PolicyWatcher) Reload(ctx context.Context) error {
	p, err := LoadPolicy(w.path)
	if err == nil {
		err = w.apply(p)
	}
	if err != nil {
		w.logger.WarnContext(ctx, "policy reload rejected; keeping active policy",
			"operation", "reload_policy",
			"outcome", "failure",
			"path", w.path,
			"error", err,
		)
		return err
	}
	w.logger.InfoContext(ctx, "policy reloaded",
		"operation", "reload_policy",
		"outcome", "success",
		"path", w.path,
		"self_click_threshold", p.Scoring.SelfClickThreshold,
		"velocity_limit", p.Screening.VelocityLimit,
	)
	return nil
}

// Watch blocks until ctx is done. The directory is watched rather than the
// file so editors that replace the file by rename are still seen.
func (w *PolicyWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(w.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("policy watcher add %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				_ = w.Reload(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WarnContext(ctx, "policy watcher error",
				"operation", "watch_policy",
				"outcome", "failure",
				"error", err,
			)
		}
	}
}
