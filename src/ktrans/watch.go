package ktrans

import "github.com/fsnotify/fsnotify"

// deviceWatcher watches a device node and calls onChange when it is removed,
// renamed, or recreated, so Transport can drop a stale cached handle rather
// than leave the next RPC wedged against a device that no longer exists.
//
// Grounded on FSNotifyWatcher (SeleniaProject-Orizon,
// internal/runtime/vfs/watch_fsnotify.go): a background goroutine drains the
// fsnotify watcher's two channels and translates events into the narrower
// callback this package actually needs.
type deviceWatcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

func newDeviceWatcher(path string, onChange func()) (*deviceWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, err
	}
	dw := &deviceWatcher{w: w, done: make(chan struct{})}
	go dw.loop(onChange)
	return dw, nil
}

func (dw *deviceWatcher) loop(onChange func()) {
	for {
		select {
		case ev, ok := <-dw.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename|fsnotify.Create) != 0 {
				onChange()
			}
		case _, ok := <-dw.w.Errors:
			if !ok {
				return
			}
		case <-dw.done:
			return
		}
	}
}

func (dw *deviceWatcher) close() {
	close(dw.done)
	_ = dw.w.Close()
}
