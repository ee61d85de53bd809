package config

import (
	"sync"
	"sync/atomic"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
)

// AsyncHook hands log entries to a wrapped hook on a single background
// goroutine. Entries are dropped when the buffer is full, so logging never
// blocks the caller.
type AsyncHook struct {
	hook    logrus.Hook
	ch      chan *logrus.Entry
	done    chan struct{}
	dropped uint64

	mtx    sync.RWMutex
	closed bool
}

// NewAsyncHook starts the writer goroutine. size is the number of entries
// buffered.
func NewAsyncHook(hook logrus.Hook, size int) *AsyncHook {
	if size <= 0 {
		size = 1
	}
	h := &AsyncHook{
		hook: hook,
		ch:   make(chan *logrus.Entry, size),
		done: make(chan struct{}),
	}
	go h.run()
	return h
}

// NewFileHook returns an AsyncHook appending every level to path as JSON.
func NewFileHook(path string, size int) *AsyncHook {
	pathMap := lfshook.PathMap{}
	for _, l := range logrus.AllLevels {
		pathMap[l] = path
	}
	return NewAsyncHook(lfshook.NewHook(pathMap, &logrus.JSONFormatter{}), size)
}

// Levels implements logrus.Hook.
func (h *AsyncHook) Levels() []logrus.Level {
	return h.hook.Levels()
}

// Fire implements logrus.Hook. The entry is copied since logrus reuses it.
func (h *AsyncHook) Fire(e *logrus.Entry) error {
	h.mtx.RLock()
	defer h.mtx.RUnlock()

	if h.closed {
		return nil
	}

	cp := e.Dup()
	cp.Level = e.Level
	cp.Message = e.Message
	cp.Caller = e.Caller

	select {
	case h.ch <- cp:
	default:
		atomic.AddUint64(&h.dropped, 1)
	}
	return nil
}

// Dropped returns the number of entries lost to a full buffer.
func (h *AsyncHook) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

// Close stops accepting entries and waits until the buffered ones are
// written.
func (h *AsyncHook) Close() {
	h.mtx.Lock()
	if !h.closed {
		h.closed = true
		close(h.ch)
	}
	h.mtx.Unlock()

	<-h.done
}

func (h *AsyncHook) run() {
	defer close(h.done)
	for e := range h.ch {
		// The wrapped hook has nowhere to report errors but the logger
		// itself.
		_ = h.hook.Fire(e)
	}
}
