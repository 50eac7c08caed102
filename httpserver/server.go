package httpserver

import (
	"net"
	"sync"
	"time"

	"github.com/silvatek/cogen"
	"golang.org/x/net/netutil"
)

// Server wires a listening cogen.Socket to a Handler. It spawns one Task per
// accepted connection on the given Scheduler; the accept loop is itself a
// Task, so the whole server runs as ordinary cogen coroutines with no
// dedicated goroutines beyond what the Scheduler/proactor already use.
type Server struct {
	sched   *cogen.Scheduler
	handler Handler

	maxConns      int
	maxLineLen    int
	reqTimeout    time.Duration
	acceptTimeout time.Duration

	// inflight tracks connection Tasks still running, the same bookkeeping
	// role as the teacher's dispatcher.inflight WaitGroup -- there it counts
	// in-flight goroutine executions, here it counts in-flight connection
	// Tasks so Wait can wait for them to drain.
	inflight sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMaxConns bounds concurrent connections via netutil.LimitListener.
// Zero (the default) means unlimited.
func WithMaxConns(n int) Option { return func(s *Server) { s.maxConns = n } }

// WithLineLimit bounds the length of a single request line/header line.
func WithLineLimit(n int) Option { return func(s *Server) { s.maxLineLen = n } }

// WithRequestTimeout bounds how long a connection may wait for the next
// request line or header line before it is dropped.
func WithRequestTimeout(d time.Duration) Option { return func(s *Server) { s.reqTimeout = d } }

// WithAcceptTimeout bounds how long a single Accept call waits; the accept
// loop simply retries on timeout, so this only affects shutdown latency.
func WithAcceptTimeout(d time.Duration) Option { return func(s *Server) { s.acceptTimeout = d } }

// NewServer builds a Server that dispatches accepted connections to h,
// spawning connection Tasks on sched.
func NewServer(sched *cogen.Scheduler, h Handler, opts ...Option) *Server {
	s := &Server{
		sched:         sched,
		handler:       h,
		maxLineLen:    8192,
		reqTimeout:    30 * time.Second,
		acceptTimeout: cogen.NoTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) lineLimit() int                { return s.maxLineLen }
func (s *Server) requestTimeout() time.Duration { return s.reqTimeout }

// Listen opens a TCP listener on addr, wraps it in netutil.LimitListener
// when WithMaxConns was given, and spawns the accept loop Task. It returns
// the accept loop's Task so the caller can JoinTask on shutdown.
func (s *Server) Listen(addr string) (*cogen.Task, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	listenerSock := cogen.NewListenerSocket(s.sched, ln)

	t := s.sched.Spawn(func(t *cogen.Task) (any, error) {
		return nil, s.acceptLoop(t, listenerSock)
	}, cogen.PriorityDefault)
	return t, nil
}

func (s *Server) acceptLoop(t *cogen.Task, listener *cogen.Socket) error {
	defer listener.Close()

	for {
		res, err := t.Yield(cogen.Accept(listener, s.acceptTimeout))
		if err != nil {
			if err == cogen.ErrOperationTimeout {
				continue
			}
			return err
		}
		pair, _ := res.([2]any)
		sock, _ := pair[0].(*cogen.Socket)
		if sock == nil {
			continue
		}

		s.inflight.Add(1)
		c := &connTask{srv: s, sock: sock}
		s.sched.Spawn(func(ct *cogen.Task) (any, error) {
			defer s.inflight.Done()
			return c.run(ct)
		}, cogen.PriorityDefault)
	}
}

// Wait blocks until every in-flight connection Task has finished. It is a
// plain sync.WaitGroup.Wait, not a cogen Operation, since it is meant to be
// called from outside the Scheduler (e.g. after cancelling its context).
func (s *Server) Wait() { s.inflight.Wait() }
