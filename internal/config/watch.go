package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/pkg/types"
)

// Watch reloads configuration whenever a config file in workDir changes and
// calls onChange with the fresh config. Only the safety rules are expected
// to be consumed hot; everything else requires a restart. Runs until ctx is
// canceled.
func Watch(ctx context.Context, workDir string, onChange func(*types.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directories, not the files: editors replace files on
	// save, which drops a file-level watch.
	dirs := []string{workDir, filepath.Join(workDir, ".chatrelay")}
	watched := 0
	for _, d := range dirs {
		if err := watcher.Add(d); err == nil {
			watched++
		}
	}
	if watched == 0 {
		watcher.Close()
		return nil
	}

	log := logging.Component("config")

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isConfigFile(ev.Name) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(workDir)
				if err != nil {
					log.Warn().Err(err).Msg("config reload failed")
					continue
				}
				log.Info().Str("file", ev.Name).Msg("config reloaded")
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()

	return nil
}

func isConfigFile(path string) bool {
	base := filepath.Base(path)
	return base == "chatrelay.json" || base == "chatrelay.jsonc"
}
