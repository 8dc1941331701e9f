package main

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/forgebuild/forge/internal/manifest"
	"github.com/forgebuild/forge/internal/rules"
	"github.com/forgebuild/forge/internal/toolchain"
	"golang.org/x/xerrors"
)

// watchDebounce coalesces a burst of filesystem events (e.g. an editor's
// write-then-rename save) into a single rebuild, mirroring the settle
// delay build watchers in the pack (e.g. CompileDaemon's WorkDelay) use
// before invoking the build command.
const watchDebounce = 300 * time.Millisecond

// watchAndRebuild runs build once, then watches the directories of every
// declared input of the expanded command list and reruns build whenever
// one of them changes, until ctx is canceled. The command list (and
// therefore the watch set) is recomputed after every rebuild, so adding a
// new source file that a manifest edit references is picked up on the
// next save.
func watchAndRebuild(ctx context.Context, build func() error) error {
	if err := build(); err != nil {
		log.Println(err)
	}

	for {
		dirs, err := inputDirs()
		if err != nil {
			return xerrors.Errorf("watch: %w", err)
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			return xerrors.Errorf("watch: %w", err)
		}
		for dir := range dirs {
			if err := w.Add(dir); err != nil {
				w.Close()
				return xerrors.Errorf("watch: %w", err)
			}
		}

		if err := waitForChange(ctx, w); err != nil {
			w.Close()
			return err
		}
		w.Close()

		log.Println("watch: change detected, rebuilding")
		if err := build(); err != nil {
			log.Println(err)
		}
	}
}

// waitForChange blocks until ctx is done or w reports an event, absorbing
// any further events that arrive within watchDebounce of the first one.
func waitForChange(ctx context.Context, w *fsnotify.Watcher) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-w.Errors:
		return xerrors.Errorf("watch: %w", err)
	case <-w.Events:
	}

	timer := time.NewTimer(watchDebounce)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.Events:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(watchDebounce)
		case <-timer.C:
			return nil
		}
	}
}

// inputDirs recomputes the current command list from the manifest and
// returns the set of parent directories of every declared input, the
// granularity fsnotify watches at.
func inputDirs() (map[string]bool, error) {
	m, err := manifest.ReadFile(*manifestPath)
	if err != nil {
		return nil, err
	}
	tc, err := toolchain.Detect()
	if err != nil {
		return nil, err
	}
	cmds, err := rules.Expand(m, *target, tc, *binaryDir)
	if err != nil {
		return nil, err
	}

	dirs := make(map[string]bool)
	for _, c := range cmds {
		for _, in := range c.Inputs {
			dirs[filepath.Dir(in)] = true
		}
	}
	return dirs, nil
}
