package cogen

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Namespace prefixes every sentinel error message this package produces.
const Namespace = "cogen"

var (
	// ErrOperationTimeout is returned when an Operation's deadline is
	// reached before it makes (sufficient) progress.
	ErrOperationTimeout = errors.New(Namespace + ": operation timeout")

	// ErrConnectionClosed is returned to every Operation still
	// referencing a Socket when that Socket is closed, and on a clean
	// peer-initiated EOF observed by Recv.
	ErrConnectionClosed = errors.New(Namespace + ": connection closed")

	// ErrCancelled is returned when a Task or its current Operation is
	// cooperatively cancelled.
	ErrCancelled = errors.New(Namespace + ": cancelled")

	// ErrSignalError indicates misuse of the signal bus, e.g. an
	// unhashable name.
	ErrSignalError = errors.New(Namespace + ": invalid signal name")

	// ErrProtocolError is surfaced by collaborators (e.g. httpserver)
	// for BufferedStream framing violations such as an over-long line.
	ErrProtocolError = errors.New(Namespace + ": protocol error")

	// ErrInvalidState is returned when an API is misused given the
	// current Task/Socket/Scheduler state.
	ErrInvalidState = errors.New(Namespace + ": invalid state")

	// ErrBackendUnsupported is returned by a proactor backend
	// constructor that has no implementation on the running platform.
	ErrBackendUnsupported = errors.New(Namespace + ": proactor backend unsupported on this platform")
)

// SocketError wraps a non-recoverable OS error observed on a Socket
// operation. Errno is the underlying syscall.Errno when known.
type SocketError struct {
	Op    string
	Errno error
}

func newSocketError(op string, errno error) *SocketError {
	return &SocketError{Op: op, Errno: errno}
}

// tagSocketErr wraps err (normally a *SocketError, but tolerant of any
// error a socket Operation produces) with the Task and operation kind that
// observed it, so a caller further up -- httpserver/connection.go, in
// particular -- can recover them via ExtractTaskID/ExtractOpKind without
// every Operation threading a TaskID through its own fields.
func tagSocketErr(err error, t *Task, kind string) error {
	return newTaggedError(err, t.id, kind)
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("%s: socket error during %s: %v", Namespace, e.Op, e.Errno)
}

func (e *SocketError) Unwrap() error { return e.Errno }

// temporaryErrnos mirrors the upstream wsgi.py's useless_socket_errors set:
// connection noise a server expects from any client and should not treat as
// a hard failure worth logging.
var temporaryErrnos = map[syscall.Errno]bool{
	syscall.EPIPE:        true,
	syscall.ETIMEDOUT:    true,
	syscall.ECONNREFUSED: true,
	syscall.ECONNRESET:   true,
	syscall.EHOSTDOWN:    true,
	syscall.EHOSTUNREACH: true,
	syscall.ENOTCONN:     true,
}

// Temporary reports whether the error is one of the usual transient
// connection-reset/broken-pipe family that a caller may reasonably choose
// not to treat as a hard failure, mirroring the upstream project's
// useless_socket_errors classification.
func (e *SocketError) Temporary() bool {
	var errno syscall.Errno
	if errors.As(e.Errno, &errno) && temporaryErrnos[errno] {
		return true
	}
	type temporary interface{ Temporary() bool }
	var t temporary
	if errors.As(e.Errno, &t) {
		return t.Temporary()
	}
	return false
}

// Closed reports whether the error represents the connection having gone
// away outright -- this side already closed it, or the peer reset/hung up
// -- as opposed to some other transient-but-still-open socket error.
// httpserver uses this (alongside Temporary) to decide whether a write
// failure deserves a log line or should just close quietly.
func (e *SocketError) Closed() bool {
	if errors.Is(e.Errno, net.ErrClosed) || errors.Is(e.Errno, ErrConnectionClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(e.Errno, &errno) {
		return errno == syscall.ECONNRESET || errno == syscall.EPIPE || errno == syscall.ENOTCONN
	}
	return false
}

// TaskMetaError exposes correlation metadata for a task or operation
// failure: which Task produced it, and (for socket operations) which
// operation kind was in flight.
type TaskMetaError interface {
	error
	Unwrap() error
	TaskID() (TaskID, bool)
	OpKind() (string, bool)
}

type taggedError struct {
	err     error
	taskID  TaskID
	hasTask bool
	kind    string
	hasKind bool
}

// newTaggedError wraps err with correlation metadata. Returns nil if err is
// nil, so callers can write `return newTaggedError(err, ...)` unconditionally.
func newTaggedError(err error, taskID TaskID, kind string) error {
	if err == nil {
		return nil
	}
	return &taggedError{err: err, taskID: taskID, hasTask: true, kind: kind, hasKind: kind != ""}
}

func (e *taggedError) Error() string { return e.err.Error() }
func (e *taggedError) Unwrap() error { return e.err }

func (e *taggedError) TaskID() (TaskID, bool) {
	if !e.hasTask {
		return 0, false
	}
	return e.taskID, true
}

func (e *taggedError) OpKind() (string, bool) {
	if !e.hasKind {
		return "", false
	}
	return e.kind, true
}

func (e *taggedError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = fmt.Fprintf(s, "task(id=%d,op=%s): %+v", e.taskID, e.kind, e.err)
			return
		}
		fallthrough
	case 's':
		_, _ = fmt.Fprint(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}

// ExtractTaskID returns the Task that produced err, if tagged.
func ExtractTaskID(err error) (TaskID, bool) {
	var tme TaskMetaError
	if errors.As(err, &tme) {
		return tme.TaskID()
	}
	return 0, false
}

// ExtractOpKind returns the operation kind that produced err, if tagged.
func ExtractOpKind(err error) (string, bool) {
	var tme TaskMetaError
	if errors.As(err, &tme) {
		return tme.OpKind()
	}
	return "", false
}
