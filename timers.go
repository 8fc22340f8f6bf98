package mqtt

import "time"

// timerTask is a delayed task that executes on the connection's I/O
// goroutine. The underlying time.Timer fires on its own goroutine and posts
// the task onto the loop, so fn and cancel both run loop-side and need no
// extra locking.
type timerTask struct {
	fn      func()
	stopped bool
	timer   *time.Timer
}

// schedule arms a timer that runs fn on the I/O goroutine after d.
func (c *Connection) schedule(d time.Duration, fn func()) *timerTask {
	t := &timerTask{fn: fn}
	t.timer = time.AfterFunc(d, func() {
		c.post(func() {
			if t.stopped {
				return
			}
			t.fn()
		})
	})
	return t
}

// cancel stops the task. If the timer already fired and its task is queued,
// the stopped flag turns it into a no-op. I/O goroutine only.
func (t *timerTask) cancel() {
	t.stopped = true
	t.timer.Stop()
}

// cancelTimer stops *t and nils it. Convenience for the connection's named
// timer slots.
func cancelTimer(t **timerTask) {
	if *t != nil {
		(*t).cancel()
		*t = nil
	}
}

// timeoutLink ties a request to its operation timer as a mutual pair of
// nullable pointers. Whichever side runs first nulls the peer so the other
// becomes a no-op: a fired timer never touches a completed request, and a
// completed request never cancels a fired timer's work twice.
type timeoutLink struct {
	req  *request
	task *timerTask
}

// armRequestTimeout schedules the operation timer for a request.
// At most one timeout exists per request at any time. I/O goroutine only.
func (c *Connection) armRequestTimeout(r *request, d time.Duration) {
	link := &timeoutLink{req: r}
	link.task = c.schedule(d, func() {
		target := link.req
		if target == nil {
			return
		}
		link.req = nil
		target.timeout = nil
		c.completeRequest(target, ErrTimeout)
	})
	r.timeout = link
}

// cancelRequestTimeout nulls both sides of the link and stops the timer.
// I/O goroutine only.
func cancelRequestTimeout(r *request) {
	link := r.timeout
	if link == nil {
		return
	}
	r.timeout = nil
	link.req = nil
	if link.task != nil {
		link.task.cancel()
		link.task = nil
	}
}
