// Package task provides the small concurrency primitives the rest of
// the toolkit's "Glue" layer is built from: a dedicated-goroutine task
// queue, one-shot and repeating delayed work, and a lock-free
// multi-producer/single-consumer collector. Grounded on
// original_source/tools/thread/{ThreadLoop,DelayedTask,AsyncTask,
// Collector}.{h,cpp}, reworked from condition-variable-guarded queues
// and std::shared_ptr self-ownership into Go channels and goroutines.
package task

// Loop runs posted functions, in order, on one dedicated goroutine.
// Grounded on original_source/tools/thread/ThreadLoop.h/.cpp; the
// original's queue+condvar pair becomes a buffered channel, since
// that is the idiomatic Go equivalent of "wait until there is work".
type Loop struct {
	posts chan func()
	done  chan struct{}
}

// NewLoop starts a Loop's goroutine immediately.
func NewLoop() *Loop {
	l := &Loop{
		posts: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for fn := range l.posts {
		fn()
	}
	close(l.done)
}

// Post enqueues fn to run on the loop's goroutine. Safe from any
// goroutine. Posting after Stop is a no-op.
func (l *Loop) Post(fn func()) {
	defer func() { recover() }() // closed channel after Stop
	l.posts <- fn
}

// Stop closes the queue and waits for any in-flight and already
// queued functions to finish running.
func (l *Loop) Stop() {
	close(l.posts)
	<-l.done
}
