package eventloop

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ErrAlreadyRegistered is returned by Register for an fd the loop knows.
var ErrAlreadyRegistered = errors.New("fd already registered in loop")

type registration struct {
	fd      FD
	ops     Events
	handler Handler
}

// EventLoop runs all registered handlers on a single goroutine. The interest
// and ready sets are guarded by a mutex, so Register and the readiness
// injectors may be called from any goroutine, including from handlers on the
// loop itself; handler callbacks only ever run on the loop goroutine.
//
// Readiness is level-triggered: a ready fd with a matching interest is
// dispatched once per pass, and passes repeat until a full pass makes no
// calls, so handlers are expected to drain what they are offered.
type EventLoop struct {
	name string

	mu    sync.Mutex
	regs  map[FD]*registration
	osR   map[FD]bool
	osW   map[FD]bool
	virtR map[FD]bool
	virtW map[FD]bool
	tasks []func()

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	closed uint32

	closeOnce sync.Once
	closeErr  error
}

// New creates and starts an EventLoop.
func New(name string) *EventLoop {
	l := &EventLoop{
		name:  name,
		regs:  make(map[FD]*registration),
		osR:   make(map[FD]bool),
		osW:   make(map[FD]bool),
		virtR: make(map[FD]bool),
		virtW: make(map[FD]bool),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *EventLoop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *EventLoop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			l.teardown()
			return
		case <-l.wake:
			l.runTasks()
			l.dispatch()
		}
	}
}

func (l *EventLoop) runTasks() {
	for {
		l.mu.Lock()
		tasks := l.tasks
		l.tasks = nil
		l.mu.Unlock()
		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			task()
		}
	}
}

func (l *EventLoop) teardown() {
	l.runTasks()

	l.mu.Lock()
	regs := make([]*registration, 0, len(l.regs))
	for _, reg := range l.regs {
		regs = append(regs, reg)
	}
	l.regs = map[FD]*registration{}
	l.mu.Unlock()

	var result *multierror.Error
	for _, reg := range regs {
		reg.handler.Removed()
		if c, ok := reg.fd.(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	l.closeErr = result.ErrorOrNil()
}

// ready holds one handler invocation picked by a dispatch pass.
type ready struct {
	handler  Handler
	fd       FD
	readable bool
	writable bool
}

// dispatch runs ready-set passes until quiescent.
func (l *EventLoop) dispatch() {
	for {
		select {
		case <-l.stop:
			return
		default:
		}

		l.runTasks()

		l.mu.Lock()
		var batch []ready
		for fd, reg := range l.regs {
			r := reg.ops.Has(Readable) && (l.osR[fd] || l.virtR[fd])
			w := reg.ops.Has(Writable) && (l.osW[fd] || l.virtW[fd])
			if r || w {
				batch = append(batch, ready{handler: reg.handler, fd: fd, readable: r, writable: w})
			}
		}
		l.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, r := range batch {
			if r.readable && l.stillWants(r.fd, Readable) {
				r.handler.Readable()
			}
			if r.writable && l.stillWants(r.fd, Writable) {
				r.handler.Writable()
			}
		}
	}
}

// stillWants re-checks interest and registration right before a callback; an
// earlier handler in the same pass may have removed or re-tuned the fd.
func (l *EventLoop) stillWants(fd FD, ops Events) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	reg, ok := l.regs[fd]
	if !ok || !reg.ops.Has(ops) {
		return false
	}
	if ops.Has(Readable) {
		return l.osR[fd] || l.virtR[fd]
	}
	return l.osW[fd] || l.virtW[fd]
}

// Submit schedules f to run on the loop goroutine.
func (l *EventLoop) Submit(f func()) {
	if atomic.LoadUint32(&l.closed) != 0 {
		return
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, f)
	l.mu.Unlock()
	l.signal()
}

// Register adds fd with the given interest ops and handler.
func (l *EventLoop) Register(fd FD, ops Events, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.regs[fd]; ok {
		return ErrAlreadyRegistered
	}
	l.regs[fd] = &registration{fd: fd, ops: ops, handler: h}
	l.signal()
	return nil
}

// AddOps extends the interest set of fd.
func (l *EventLoop) AddOps(fd FD, ops Events) {
	l.mu.Lock()
	if reg, ok := l.regs[fd]; ok {
		reg.ops |= ops
	}
	l.mu.Unlock()
	l.signal()
}

// RmOps shrinks the interest set of fd.
func (l *EventLoop) RmOps(fd FD, ops Events) {
	l.mu.Lock()
	if reg, ok := l.regs[fd]; ok {
		reg.ops &^= ops
	}
	l.mu.Unlock()
}

// Remove takes fd out of the loop and fires its Removed callback on the loop
// goroutine.
func (l *EventLoop) Remove(fd FD) {
	l.mu.Lock()
	reg, ok := l.regs[fd]
	if ok {
		delete(l.regs, fd)
		delete(l.osR, fd)
		delete(l.osW, fd)
		delete(l.virtR, fd)
		delete(l.virtW, fd)
	}
	l.mu.Unlock()
	if ok {
		l.Submit(reg.handler.Removed)
	}
}

func (l *EventLoop) mark(set map[FD]bool, fd FD, ready bool) {
	l.mu.Lock()
	if ready {
		set[fd] = true
	} else {
		delete(set, fd)
	}
	l.mu.Unlock()
	if ready {
		l.signal()
	}
}

// MarkReadable records OS-level read readiness for fd.
func (l *EventLoop) MarkReadable(fd FD, ready bool) {
	l.mark(l.osR, fd, ready)
}

// MarkWritable records OS-level write readiness for fd.
func (l *EventLoop) MarkWritable(fd FD, ready bool) {
	l.mark(l.osW, fd, ready)
}

// RegisterVirtualReadable puts fd into the virtual read-ready set.
func (l *EventLoop) RegisterVirtualReadable(fd FD) {
	l.mark(l.virtR, fd, true)
}

// RemoveVirtualReadable clears fd from the virtual read-ready set.
func (l *EventLoop) RemoveVirtualReadable(fd FD) {
	l.mark(l.virtR, fd, false)
}

// RegisterVirtualWritable puts fd into the virtual write-ready set.
func (l *EventLoop) RegisterVirtualWritable(fd FD) {
	l.mark(l.virtW, fd, true)
}

// RemoveVirtualWritable clears fd from the virtual write-ready set.
func (l *EventLoop) RemoveVirtualWritable(fd FD) {
	l.mark(l.virtW, fd, false)
}

// Close shuts the loop down, firing Removed for every registered fd and
// closing those implementing io.Closer. Errors are collected.
func (l *EventLoop) Close() error {
	l.closeOnce.Do(func() {
		atomic.StoreUint32(&l.closed, 1)
		close(l.stop)
		<-l.done
	})
	return l.closeErr
}

type delayTimer struct {
	timer    *time.Timer
	canceled uint32
}

func (t *delayTimer) Cancel() {
	atomic.StoreUint32(&t.canceled, 1)
	t.timer.Stop()
}

// Delay schedules f once after d, on the loop goroutine.
func (l *EventLoop) Delay(d time.Duration, f func()) Timer {
	t := &delayTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Submit(func() {
			if atomic.LoadUint32(&t.canceled) == 0 {
				f()
			}
		})
	})
	return t
}

type periodTimer struct {
	stop chan struct{}
	once sync.Once
}

func (t *periodTimer) Cancel() {
	t.once.Do(func() { close(t.stop) })
}

// Period schedules f every d, on the loop goroutine, until canceled.
func (l *EventLoop) Period(d time.Duration, f func()) Timer {
	t := &periodTimer{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-l.done:
				return
			case <-ticker.C:
				l.Submit(func() {
					select {
					case <-t.stop:
					default:
						f()
					}
				})
			}
		}
	}()
	return t
}
