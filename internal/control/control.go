// Package control exposes operator stop and pause requests as files in a
// control directory, so a running loop can be steered from another shell.
//
// Creating <dir>/stop asks the loop to drain and exit; it stays latched until
// Clear. <dir>/pause suspends dispatch for as long as the file exists.
package control

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	StopFile  = "stop"
	PauseFile = "pause"
)

// Signals is what the loop consults at tick boundaries.
type Signals interface {
	Stopped() bool
	Paused() bool
}

// Watcher tracks the control files. fsnotify delivers changes promptly;
// every query also stats the files in case an event was missed.
type Watcher struct {
	dir    string
	logger *zap.Logger

	stop   atomic.Bool
	pause  atomic.Bool
	notify chan struct{}

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewWatcher creates the control directory and starts watching it. If the
// platform cannot watch files, it falls back to stat-only polling.
func NewWatcher(dir string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:    dir,
		logger: logger,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("control file watcher unavailable, using polling", zap.Error(err))
		return w, nil
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		logger.Warn("cannot watch control directory, using polling", zap.String("dir", dir), zap.Error(err))
		return w, nil
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.watch()
	return w, nil
}

func (w *Watcher) watch() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			switch filepath.Base(event.Name) {
			case StopFile:
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
					if !w.stop.Swap(true) {
						w.logger.Info("stop requested")
					}
					w.wake()
				}
			case PauseFile:
				w.pause.Store(w.exists(PauseFile))
				w.wake()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("control watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Watcher) exists(name string) bool {
	_, err := os.Stat(filepath.Join(w.dir, name))
	return err == nil
}

// Changes fires after a control file changes. Coalesced; never closed.
func (w *Watcher) Changes() <-chan struct{} { return w.notify }

// Stopped reports whether a stop was requested. The request is latched.
func (w *Watcher) Stopped() bool {
	if w.exists(StopFile) {
		w.stop.Store(true)
	}
	return w.stop.Load()
}

// Paused reports whether the pause file is present.
func (w *Watcher) Paused() bool {
	paused := w.exists(PauseFile)
	w.pause.Store(paused)
	return paused
}

// RequestStop creates the stop file.
func (w *Watcher) RequestStop() error {
	return w.touch(StopFile)
}

// Pause creates the pause file.
func (w *Watcher) Pause() error {
	return w.touch(PauseFile)
}

// Resume removes the pause file.
func (w *Watcher) Resume() error {
	err := os.Remove(filepath.Join(w.dir, PauseFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Clear removes both control files and resets the latched stop.
func (w *Watcher) Clear() {
	os.Remove(filepath.Join(w.dir, StopFile))
	os.Remove(filepath.Join(w.dir, PauseFile))
	w.stop.Store(false)
	w.pause.Store(false)
}

func (w *Watcher) touch(name string) error {
	return os.WriteFile(filepath.Join(w.dir, name), []byte(time.Now().Format(time.RFC3339)), 0o644)
}

// Close stops the watcher goroutine.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		if w.watcher != nil {
			err = w.watcher.Close()
		}
		w.wg.Wait()
	})
	return err
}

// Static is a fixed Signals value.
type Static struct {
	Stop, Pause bool
}

func (s Static) Stopped() bool { return s.Stop }
func (s Static) Paused() bool  { return s.Pause }
