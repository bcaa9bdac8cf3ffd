package network

import (
	"io"
	"net"
	"sync"
	"time"
)

// Reactor is the shared I/O event loop. Posted tasks and async completion
// handlers are executed by however many goroutines are blocked in Run;
// tasks for distinct connections may therefore run in parallel, and every
// shared structure they touch carries its own lock.
type Reactor struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []func()
	draining bool
	stopped  bool
}

func NewReactor() *Reactor {
	r := &Reactor{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Post enqueues a task for execution by a Run worker. Returns false if the
// reactor has already stopped and the task was dropped.
func (r *Reactor) Post(task func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.queue = append(r.queue, task)
	r.cond.Signal()
	return true
}

// Run executes tasks until the reactor is stopped, or until Shutdown has
// been called and the queue drains. Multiple goroutines may call Run
// concurrently to form a worker pool.
func (r *Reactor) Run() {
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.stopped && !r.draining {
			r.cond.Wait()
		}
		if r.stopped || (r.draining && len(r.queue) == 0) {
			r.mu.Unlock()
			return
		}
		task := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		task()
	}
}

// Shutdown releases the keep-alive guard: workers finish the queued tasks
// and then return from Run. Post keeps accepting tasks until Stop; tasks
// posted after every worker has returned are left in the queue.
func (r *Reactor) Shutdown() {
	r.mu.Lock()
	r.draining = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Stop halts the reactor immediately. Queued tasks are discarded and
// subsequent posts are dropped.
func (r *Reactor) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.queue = nil
	r.cond.Broadcast()
	r.mu.Unlock()
}

// AsyncRead fills buf completely from c and posts the completion handler
// with the read error, if any. The caller must not issue a second read on
// the same socket before the completion runs.
func (r *Reactor) AsyncRead(c net.Conn, buf []byte, fn func(error)) {
	go func() {
		_, err := io.ReadFull(c, buf)
		r.Post(func() { fn(err) })
	}()
}

// AsyncWrite writes buf completely to c and posts the completion handler.
func (r *Reactor) AsyncWrite(c net.Conn, buf []byte, fn func(error)) {
	go func() {
		_, err := c.Write(buf)
		r.Post(func() { fn(err) })
	}()
}

// AsyncAccept waits for one connection on ln and posts the completion. If
// the reactor stops before the completion can be posted, the accepted
// socket is closed rather than leaked.
func (r *Reactor) AsyncAccept(ln net.Listener, fn func(net.Conn, error)) {
	go func() {
		conn, err := ln.Accept()
		if !r.Post(func() { fn(conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

// Timer is a cancelable deadline timer whose expiry handler runs on the
// reactor. Re-arming or canceling discards any handler still pending, so
// a handler that does run always corresponds to a genuine expiry.
type Timer struct {
	r   *Reactor
	mu  sync.Mutex
	gen uint64
	t   *time.Timer
}

// NewTimer creates an unarmed timer bound to the reactor.
func (r *Reactor) NewTimer() *Timer {
	return &Timer{r: r}
}

// ExpiresFromNow arms the timer to fire fn after d, replacing any
// previously armed deadline.
func (t *Timer) ExpiresFromNow(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	gen := t.gen
	if t.t != nil {
		t.t.Stop()
	}
	t.t = time.AfterFunc(d, func() {
		t.r.Post(func() {
			t.mu.Lock()
			live := t.gen == gen
			t.mu.Unlock()
			if live {
				fn()
			}
		})
	})
}

// Cancel disarms the timer. A concurrent expiry that has not yet run is
// suppressed.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}
