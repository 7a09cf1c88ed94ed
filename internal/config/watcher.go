package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/courtside-app/entitlements/pkg/plans"
)

// PlanWatcher monitors the plan-table overlay file and reloads it on change,
// so seat quotas and SKU additions roll out without a daemon restart.
type PlanWatcher struct {
	path        string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	lastModTime time.Time
}

// NewPlanWatcher creates a watcher for the given overlay path and applies the
// overlay once up front.
func NewPlanWatcher(path string) (*PlanWatcher, error) {
	if err := plans.LoadOverlay(path); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	pw := &PlanWatcher{
		path:     path,
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}
	if stat, err := os.Stat(path); err == nil {
		pw.lastModTime = stat.ModTime()
	}
	return pw, nil
}

// Start begins watching. The parent directory is watched rather than the
// file itself so atomic rename-into-place updates are seen.
func (pw *PlanWatcher) Start() error {
	if err := pw.watcher.Add(filepath.Dir(pw.path)); err != nil {
		return err
	}

	go pw.loop()
	log.Info().Str("path", pw.path).Msg("Watching plan overlay for changes")
	return nil
}

// Stop ends watching.
func (pw *PlanWatcher) Stop() {
	close(pw.stopChan)
	_ = pw.watcher.Close()
}

func (pw *PlanWatcher) loop() {
	for {
		select {
		case <-pw.stopChan:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(pw.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pw.maybeReload()
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Plan overlay watcher error")
		}
	}
}

// maybeReload debounces editor double-writes by comparing mod times.
func (pw *PlanWatcher) maybeReload() {
	stat, err := os.Stat(pw.path)
	if err != nil {
		log.Warn().Err(err).Str("path", pw.path).Msg("Plan overlay vanished; keeping current table")
		return
	}
	if !stat.ModTime().After(pw.lastModTime) {
		return
	}
	pw.lastModTime = stat.ModTime()

	if err := plans.LoadOverlay(pw.path); err != nil {
		log.Error().Err(err).Str("path", pw.path).Msg("Plan overlay reload failed; keeping current table")
		return
	}
	log.Info().Str("path", pw.path).Msg("Plan overlay reloaded")
}
