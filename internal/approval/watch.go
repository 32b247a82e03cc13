package approval

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/vinayprograms/agentkit/logging"
)

// WatchRules reloads path into p whenever the file changes, until ctx is
// done. An invalid edit is logged and the previous rules stay active.
// onReload, if set, runs after every successful reload.
func WatchRules(ctx context.Context, path string, p *Policy, onReload func()) error {
	logger := logging.New().WithComponent("approval")

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving rules path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating rules watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			rules, err := LoadRules(abs)
			if err != nil {
				logger.Warn("approval rules reload failed", map[string]interface{}{
					"path":  abs,
					"error": err.Error(),
				})
				continue
			}
			p.SetRules(rules)
			if onReload != nil {
				onReload()
			}
			logger.Info("approval rules reloaded", map[string]interface{}{
				"path":  abs,
				"rules": len(rules.Rules),
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("approval rules watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}
