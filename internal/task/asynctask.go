package task

import "sync/atomic"

// AsyncTask runs fn exactly once on its own goroutine. Grounded on
// original_source/tools/thread/AsyncTask.cpp.
type AsyncTask struct {
	cancelled int32
}

// NewAsyncTask starts fn running in a new goroutine immediately.
func NewAsyncTask(fn func()) *AsyncTask {
	t := &AsyncTask{}
	go func() {
		if atomic.LoadInt32(&t.cancelled) == 0 {
			fn()
		}
	}()
	return t
}

// Cancel best-effort-suppresses fn if it has not started yet. Like
// the original, there is an inherent race between Cancel and the
// goroutine's start; Cancel never interrupts fn once it is running.
func (t *AsyncTask) Cancel() {
	atomic.StoreInt32(&t.cancelled, 1)
}
