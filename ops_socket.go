package cogen

import (
	"net"
	"os"
	"syscall"
	"time"

	"github.com/silvatek/cogen/proactor"
)

// socketFD extracts the raw OS descriptor behind a syscall.RawConn, needed
// by the epoll backend (the netpoller backend only needs Raw itself).
func socketFD(raw syscall.RawConn) (int, error) {
	var fd int
	if err := raw.Control(func(p uintptr) { fd = int(p) }); err != nil {
		return 0, err
	}
	return fd, nil
}

func isWouldBlock(err error) bool {
	return err == syscall.EAGAIN || err == syscall.EWOULDBLOCK
}

// --- Recv -------------------------------------------------------------

type recvOp struct {
	baseOp
	sock *Socket
	n    int

	entry  *proactor.Entry
	result []byte
	err    error
}

// Recv builds the operation form of spec.md §4.5's Recv: suspend until at
// least one byte (up to n) is available, or ErrConnectionClosed on clean
// EOF.
func Recv(sock *Socket, n int, timeout time.Duration) Operation {
	return &recvOp{baseOp: newBaseOp(timeout, false, PriorityDefault), sock: sock, n: n}
}

func (op *recvOp) process(s *Scheduler, t *Task) error {
	fd, ferr := socketFD(op.sock.raw)
	if ferr != nil {
		return tagSocketErr(newSocketError("recv", ferr), t, "recv")
	}
	buf := bufPool.Get().([]byte)
	if len(buf) < op.n {
		buf = make([]byte, op.n)
	}

	entry := &proactor.Entry{
		FD:        fd,
		Raw:       op.sock.raw,
		Direction: proactor.DirRead,
		RunFirst:  op.runFirst,
		Attempt: func() (bool, bool, error) {
			n, rerr := syscall.Read(fd, buf[:op.n])
			if rerr != nil {
				if isWouldBlock(rerr) {
					return false, false, nil
				}
				op.err = tagSocketErr(newSocketError("recv", rerr), t, "recv")
				return true, false, op.err
			}
			if n == 0 {
				// Kept as the bare sentinel, not tagged: callers compare
				// against it directly (e.g. Recv's clean-EOF contract), and
				// there is no errno to correlate here anyway.
				op.err = ErrConnectionClosed
				return true, false, op.err
			}
			op.result = append([]byte(nil), buf[:n]...)
			bufPool.Put(buf)
			return true, true, nil
		},
		SetDeadline: op.sock.conn.SetReadDeadline,
	}
	op.entry = entry
	op.sock.trackEntry(entry, op)
	s.registerEntry(entry, t, op)
	return s.cfg.Proactor.RegisterRead(entry)
}

func (op *recvOp) finalize() (any, error) { return op.result, op.err }

func (op *recvOp) cleanup(s *Scheduler, t *Task) {
	if op.entry != nil {
		s.cfg.Proactor.Remove(op.entry)
		s.forgetEntry(op.entry)
		op.sock.untrackEntry(op.entry)
	}
}

// --- Send ---------------------------------------------------------------

type sendOp struct {
	baseOp
	sock *Socket
	data []byte

	entry  *proactor.Entry
	result int
	err    error
}

// Send builds the operation form of spec.md §4.5's Send: one best-effort
// write, returning the number of bytes actually written.
func Send(sock *Socket, data []byte, timeout time.Duration) Operation {
	return &sendOp{baseOp: newBaseOp(timeout, false, PriorityDefault), sock: sock, data: data}
}

func (op *sendOp) process(s *Scheduler, t *Task) error {
	fd, ferr := socketFD(op.sock.raw)
	if ferr != nil {
		return tagSocketErr(newSocketError("send", ferr), t, "send")
	}
	entry := &proactor.Entry{
		FD:        fd,
		Raw:       op.sock.raw,
		Direction: proactor.DirWrite,
		RunFirst:  op.runFirst,
		Attempt: func() (bool, bool, error) {
			n, werr := syscall.Write(fd, op.data)
			if werr != nil {
				if isWouldBlock(werr) {
					return false, false, nil
				}
				op.err = tagSocketErr(newSocketError("send", werr), t, "send")
				return true, false, op.err
			}
			op.result = n
			return true, true, nil
		},
		SetDeadline: op.sock.conn.SetWriteDeadline,
	}
	op.entry = entry
	op.sock.trackEntry(entry, op)
	s.registerEntry(entry, t, op)
	return s.cfg.Proactor.RegisterWrite(entry)
}

func (op *sendOp) finalize() (any, error) { return op.result, op.err }

func (op *sendOp) cleanup(s *Scheduler, t *Task) {
	if op.entry != nil {
		s.cfg.Proactor.Remove(op.entry)
		s.forgetEntry(op.entry)
		op.sock.untrackEntry(op.entry)
	}
}

// --- SendAll --------------------------------------------------------------

type sendAllOp struct {
	baseOp
	sock *Socket
	data []byte

	entry  *proactor.Entry
	sent   int
	err    error
}

// SendAll builds the operation form of spec.md §4.5's SendAll: loops
// internally across partial writes (weak timeout advances on each),
// terminating only when the buffer is exhausted, on error, or on cancel.
func SendAll(sock *Socket, data []byte, timeout time.Duration) Operation {
	op := &sendAllOp{sock: sock, data: data}
	op.baseOp = newBaseOp(timeout, true, PriorityDefault)
	return op
}

func (op *sendAllOp) process(s *Scheduler, t *Task) error {
	fd, ferr := socketFD(op.sock.raw)
	if ferr != nil {
		return tagSocketErr(newSocketError("sendall", ferr), t, "sendall")
	}
	greedy := s.cfg.OpsGreedy
	entry := &proactor.Entry{
		FD:        fd,
		Raw:       op.sock.raw,
		Direction: proactor.DirWrite,
		RunFirst:  op.runFirst,
		Attempt: func() (bool, bool, error) {
			progressed := false
			for op.sent < len(op.data) {
				n, werr := syscall.Write(fd, op.data[op.sent:])
				if werr != nil {
					if isWouldBlock(werr) {
						return false, progressed, nil
					}
					op.err = tagSocketErr(newSocketError("sendall", werr), t, "sendall")
					return true, progressed, op.err
				}
				if n == 0 {
					return false, progressed, nil
				}
				op.sent += n
				progressed = true
				if op.sent >= len(op.data) {
					break
				}
				if !greedy {
					// ops_greedy off: report this write's progress and
					// wait for the fd's next readiness notification
					// instead of looping on the still-writable fd.
					return false, progressed, nil
				}
			}
			return true, true, nil
		},
		SetDeadline: op.sock.conn.SetWriteDeadline,
	}
	entry.OnProgress = func() { s.noteProgress(t, op) }
	op.entry = entry
	op.sock.trackEntry(entry, op)
	s.registerEntry(entry, t, op)
	return s.cfg.Proactor.RegisterWrite(entry)
}

func (op *sendAllOp) finalize() (any, error) { return op.sent, op.err }

func (op *sendAllOp) cleanup(s *Scheduler, t *Task) {
	if op.entry != nil {
		s.cfg.Proactor.Remove(op.entry)
		s.forgetEntry(op.entry)
		op.sock.untrackEntry(op.entry)
	}
}

// --- Accept -----------------------------------------------------------

type acceptOp struct {
	baseOp
	listener *Socket

	entry   *proactor.Entry
	child   *Socket
	peer    net.Addr
	err     error
}

// Accept builds the operation form of spec.md §4.5's Accept: suspend until
// a new connection is ready on a listening Socket; the returned Socket
// inherits non-blocking mode.
func Accept(listener *Socket, timeout time.Duration) Operation {
	return &acceptOp{baseOp: newBaseOp(timeout, false, PriorityDefault), listener: listener}
}

func (op *acceptOp) process(s *Scheduler, t *Task) error {
	raw, fd, err := op.listenerRaw()
	if err != nil {
		return tagSocketErr(newSocketError("accept", err), t, "accept")
	}

	entry := &proactor.Entry{
		FD:        fd,
		Raw:       raw,
		Direction: proactor.DirRead,
		RunFirst:  op.runFirst,
		Attempt: func() (bool, bool, error) {
			connFD, _, aerr := syscall.Accept4(fd, syscall.SOCK_NONBLOCK|syscall.SOCK_CLOEXEC)
			if aerr != nil {
				if isWouldBlock(aerr) || aerr == syscall.EINTR {
					return false, false, nil
				}
				op.err = tagSocketErr(newSocketError("accept", aerr), t, "accept")
				return true, false, op.err
			}
			file := os.NewFile(uintptr(connFD), "cogen-accepted")
			conn, cerr := net.FileConn(file)
			_ = file.Close() // FileConn dup'd the fd; release our handle
			if cerr != nil {
				op.err = tagSocketErr(newSocketError("accept", cerr), t, "accept")
				return true, false, op.err
			}
			sock, serr := NewSocket(s, conn)
			if serr != nil {
				op.err = tagSocketErr(serr, t, "accept")
				return true, false, op.err
			}
			op.child = sock
			op.peer = conn.RemoteAddr()
			return true, true, nil
		},
	}
	if dl, ok := op.listener.listener.(interface{ SetDeadline(time.Time) error }); ok {
		entry.SetDeadline = dl.SetDeadline
	}
	op.entry = entry
	op.listener.trackEntry(entry, op)
	s.registerEntry(entry, t, op)
	return s.cfg.Proactor.RegisterCustom(entry)
}

func (op *acceptOp) listenerRaw() (syscall.RawConn, int, error) {
	type syscallListener interface {
		SyscallConn() (syscall.RawConn, error)
	}
	sl, ok := op.listener.listener.(syscallListener)
	if !ok {
		return nil, 0, ErrBackendUnsupported
	}
	raw, err := sl.SyscallConn()
	if err != nil {
		return nil, 0, err
	}
	fd, err := socketFD(raw)
	return raw, fd, err
}

func (op *acceptOp) finalize() (any, error) {
	if op.err != nil {
		return nil, op.err
	}
	return [2]any{op.child, op.peer}, nil
}

func (op *acceptOp) cleanup(s *Scheduler, t *Task) {
	if op.entry != nil {
		s.cfg.Proactor.Remove(op.entry)
		s.forgetEntry(op.entry)
		op.listener.untrackEntry(op.entry)
	}
}

// --- Connect ----------------------------------------------------------

type connectOp struct {
	baseOp
	sock    *Socket
	network string
	addr    string

	result *Socket
	err    error
}

// Connect builds the operation form of spec.md §4.5's Connect: completes on
// writable with no SO_ERROR. The Open Question about the source's
// finalize-aliasing bug (super(Accept, self).finalize() in the Python
// original) is resolved here by returning the connected *Socket directly,
// not an Accept-shaped (socket, addr) tuple.
func Connect(sock *Socket, network, addr string, timeout time.Duration) Operation {
	return &connectOp{baseOp: newBaseOp(timeout, false, PriorityDefault), sock: sock, network: network, addr: addr}
}

// process hands the connect(2) + writable-wait off to a helper goroutine via
// net.Dialer.Dial, which already blocks internally on the Go runtime's
// poller rather than the calling goroutine -- the same "readiness wait
// delegated to the runtime" approach the netpoller proactor backend uses
// for Recv/Send. The result is posted back via Scheduler.postAsync instead
// of a proactor.Entry, since a connect-in-progress has no stable fd to
// multiplex on until Dial itself returns.
func (op *connectOp) process(s *Scheduler, t *Task) error {
	s.asyncPending.Add(1)
	go func() {
		conn, err := (&net.Dialer{}).Dial(op.network, op.addr)
		if err != nil {
			s.postAsync(t, op, tagSocketErr(newSocketError("connect", err), t, "connect"))
			return
		}
		sock, serr := NewSocket(s, conn)
		if serr != nil {
			s.postAsync(t, op, tagSocketErr(serr, t, "connect"))
			return
		}
		op.result = sock
		s.postAsync(t, op, nil)
	}()
	return nil
}

func (op *connectOp) finalize() (any, error) {
	return op.result, nil
}

func (op *connectOp) cleanup(_ *Scheduler, _ *Task) {
	// Nothing to cancel: the in-flight net.Dialer.Dial call owns its own
	// fd and is not registered with the proactor. A timeout here simply
	// means the caller stops waiting on it; the Dial goroutine's eventual
	// postAsync finds the Task no longer Waiting on this op and is
	// dropped (see pollAndResume's staleness check).
}

// --- SendFile -----------------------------------------------------------

type sendFileOp struct {
	baseOp
	sock      *Socket
	file      *os.File
	offset    int64
	length    int64 // <0 means "until first zero-byte send"
	blocksize int

	entry *proactor.Entry
	sent  int64
	err   error
}

// SendFile builds the operation form of spec.md §4.5's SendFile: it uses the
// kernel's zero-copy sendfile(2) only. There is no buffered read+send
// fallback; a sendfile error fails the Operation with that error.
// blocksize=0 means a single attempt using the whole requested length;
// length<0 means send until the kernel reports a zero-byte transfer.
// Callers wanting the conventional 4096-byte chunking should pass
// blocksize=4096 explicitly.
func SendFile(file *os.File, sock *Socket, offset int64, length int64, blocksize int) Operation {
	return &sendFileOp{
		baseOp:    newBaseOp(0, true, PriorityDefault),
		sock:      sock,
		file:      file,
		offset:    offset,
		length:    length,
		blocksize: blocksize,
	}
}

func (op *sendFileOp) process(s *Scheduler, t *Task) error {
	fd, ferr := socketFD(op.sock.raw)
	if ferr != nil {
		return tagSocketErr(newSocketError("sendfile", ferr), t, "sendfile")
	}

	entry := &proactor.Entry{
		FD:          fd,
		Raw:         op.sock.raw,
		Direction:   proactor.DirWrite,
		RunFirst:    op.runFirst,
		Attempt:     op.attemptFn(fd, s, t),
		SetDeadline: op.sock.conn.SetWriteDeadline,
	}
	entry.OnProgress = func() { s.noteProgress(t, op) }
	op.entry = entry
	op.sock.trackEntry(entry, op)
	s.registerEntry(entry, t, op)
	return s.cfg.Proactor.RegisterWrite(entry)
}

func (op *sendFileOp) attemptFn(fd int, s *Scheduler, t *Task) func() (bool, bool, error) {
	greedy := s.cfg.OpsGreedy
	return func() (bool, bool, error) {
		progressed := false
		for {
			block := int64(op.blocksize)
			if block <= 0 {
				// blocksize=0: a single attempt covering the whole
				// requested length (or, with no length bound, a large
				// attempt the kernel naturally truncates at EOF).
				if op.length >= 0 {
					block = op.length - op.sent
				} else {
					block = 1 << 30
				}
			} else if op.length >= 0 && op.sent+block > op.length {
				block = op.length - op.sent
			}
			if block <= 0 {
				return true, progressed || op.sent > 0, nil
			}

			offset := op.offset + op.sent
			n, werr := syscall.Sendfile(fd, int(op.file.Fd()), &offset, int(block))
			if werr != nil {
				if isWouldBlock(werr) {
					return false, progressed, nil
				}
				op.err = tagSocketErr(newSocketError("sendfile", werr), t, "sendfile")
				return true, progressed, op.err
			}
			if n == 0 {
				// Kernel sendfile reported EOF/zero-byte transfer: for an
				// omitted length this is the natural terminator; for a
				// fixed length it's short of the goal, which the caller
				// observes via the returned total vs. requested length.
				return true, true, nil
			}
			op.sent += int64(n)
			progressed = true

			if op.blocksize == 0 {
				return true, true, nil
			}
			if op.length >= 0 && op.sent >= op.length {
				return true, true, nil
			}
			if !greedy {
				// ops_greedy off: one sendfile(2) call per readiness
				// notification, matching SendAll's non-greedy step.
				return false, progressed, nil
			}
		}
	}
}

func (op *sendFileOp) finalize() (any, error) { return op.sent, op.err }

func (op *sendFileOp) cleanup(s *Scheduler, t *Task) {
	if op.entry != nil {
		s.cfg.Proactor.Remove(op.entry)
		s.forgetEntry(op.entry)
		op.sock.untrackEntry(op.entry)
	}
}
