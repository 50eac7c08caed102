//go:build linux

package proactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollProactor is the explicit Linux readiness-multiplexer backend
// (spec.md §6's named "epoll" variant), built directly on
// golang.org/x/sys/unix the way the example pack's dependency surface
// anticipates for this kind of low-level I/O plumbing. Unlike netPoller, a
// single goroutine owns the epoll instance and all waiting; Attempt is
// invoked from that one goroutine whenever EpollWait reports an fd ready.
type epollProactor struct {
	mu          sync.Mutex
	fd          int
	entries     map[int]*epollSlot
	closed      bool
	preResolved []*Entry
}

type epollSlot struct {
	read  *Entry
	write *Entry
}

// NewEpoll constructs the Linux epoll backend.
func NewEpoll() (Proactor, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollProactor{fd: fd, entries: make(map[int]*epollSlot)}, nil
}

func (p *epollProactor) events(slot *epollSlot) uint32 {
	var ev uint32
	if slot.read != nil {
		ev |= unix.EPOLLIN
	}
	if slot.write != nil {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollProactor) registerDir(e *Entry, write bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.entries[e.FD]
	fresh := !ok

	if fresh && e.RunFirst && p.attempt(e) {
		// Resolved on the first synchronous try -- e.g. a listening
		// socket whose backlog already has a pending connection. Skip
		// EpollCtl entirely and surface it on the next Run call instead
		// of registering for a readiness event that will never come.
		p.preResolved = append(p.preResolved, e)
		return nil
	}

	op := unix.EPOLL_CTL_ADD
	if ok {
		op = unix.EPOLL_CTL_MOD
	} else {
		slot = &epollSlot{}
		p.entries[e.FD] = slot
	}
	if write {
		slot.write = e
	} else {
		slot.read = e
	}

	event := unix.EpollEvent{Events: p.events(slot), Fd: int32(e.FD)}
	return unix.EpollCtl(p.fd, op, e.FD, &event)
}

func (p *epollProactor) RegisterRead(e *Entry) error  { return p.registerDir(e, false) }
func (p *epollProactor) RegisterWrite(e *Entry) error { return p.registerDir(e, true) }

// RegisterCustom covers Accept (read-readiness on the listening fd); it
// dispatches on e.Direction rather than adding a third epoll queue. Connect
// does not register an Entry: it dials on a helper goroutine.
func (p *epollProactor) RegisterCustom(e *Entry) error {
	if e.Direction == DirWrite {
		return p.registerDir(e, true)
	}
	return p.registerDir(e, false)
}

func (p *epollProactor) Remove(e *Entry) {
	e.markCancelled()

	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.entries[e.FD]
	if !ok {
		return
	}
	if slot.read == e {
		slot.read = nil
	}
	if slot.write == e {
		slot.write = nil
	}
	if slot.read == nil && slot.write == nil {
		delete(p.entries, e.FD)
		_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, e.FD, nil)
		return
	}
	event := unix.EpollEvent{Events: p.events(slot), Fd: int32(e.FD)}
	_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, e.FD, &event)
}

func (p *epollProactor) attempt(e *Entry) bool {
	done, progressed, err := e.Attempt()
	if progressed {
		e.LastProgress = time.Now()
		if e.OnProgress != nil {
			e.OnProgress()
		}
	}
	if done || err != nil {
		e.Done = done
		e.Err = err
		return true
	}
	return false
}

func (p *epollProactor) Run(timeout time.Duration) []*Entry {
	p.mu.Lock()
	if len(p.preResolved) > 0 {
		resolved := p.preResolved
		p.preResolved = nil
		p.mu.Unlock()
		return resolved
	}
	p.mu.Unlock()

	events := make([]unix.EpollEvent, 64)
	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}
	n, err := unix.EpollWait(p.fd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return nil
	}

	var resolved []*Entry
	p.mu.Lock()
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		slot, ok := p.entries[fd]
		if !ok {
			continue
		}
		mask := events[i].Events
		if slot.read != nil && mask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			e := slot.read
			if p.attempt(e) {
				slot.read = nil
				resolved = append(resolved, e)
			}
		}
		if slot.write != nil && mask&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			e := slot.write
			if p.attempt(e) {
				slot.write = nil
				resolved = append(resolved, e)
			}
		}
		if slot.read == nil && slot.write == nil {
			delete(p.entries, fd)
			_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
		} else {
			event := unix.EpollEvent{Events: p.events(slot), Fd: int32(fd)}
			_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &event)
		}
	}
	if len(p.preResolved) > 0 {
		// A concurrent registerDir resolved RunFirst while EpollWait was
		// blocking above; fold it in rather than losing it until the
		// next Run call.
		resolved = append(resolved, p.preResolved...)
		p.preResolved = nil
	}
	p.mu.Unlock()
	return resolved
}

func (p *epollProactor) HasReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Readiness is otherwise only known synchronously inside Run; epoll
	// gives no cheap out-of-band peek beyond the RunFirst fast path above.
	return len(p.preResolved) > 0
}

func (p *epollProactor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, slot := range p.entries {
		if slot.read != nil {
			n++
		}
		if slot.write != nil {
			n++
		}
	}
	return n
}

func (p *epollProactor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.fd)
}
