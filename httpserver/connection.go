package httpserver

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/silvatek/cogen"
	"github.com/silvatek/cogen/pool"
)

// headerBufPool recycles the *bytes.Buffer used to build a response's status
// line and headers. Unlike the fixed-size recv buffers in socket.go (one
// shape, bounded count), a response's header block varies wildly with
// header count and value length, so it's grown/shrunk with GC pressure via
// pool.NewDynamic (sync.Pool) rather than handed out from a bounded pool.
var headerBufPool = pool.NewDynamic(func() interface{} { return new(bytes.Buffer) })

// isQuietClose reports whether err is the kind of client-disconnect noise
// original_source's wsgi.py classifies via useless_socket_errors: a reset,
// broken pipe, or already-closed connection that ends the request loop
// without being worth a 500 response or an uncaught-task log line.
func isQuietClose(err error) bool {
	var se *cogen.SocketError
	if errors.As(err, &se) {
		return se.Closed() || se.Temporary()
	}
	return errors.Is(err, cogen.ErrConnectionClosed)
}

// connTask is the per-connection coroutine body, spawned once per Accept by
// Server.acceptLoop. It reads one request, dispatches it to Handler, writes
// the response, and (matching original_source's CherryPy-derived
// connection-reuse logic) either loops for another request on the same
// Socket when the client asked for keep-alive, or closes.
type connTask struct {
	srv  *Server
	sock *cogen.Socket
}

func (c *connTask) run(t *cogen.Task) (any, error) {
	defer c.sock.Close()

	stream := c.sock.Makefile(c.srv.lineLimit())

	for {
		req, err := c.readRequest(t, stream)
		if err != nil {
			if isQuietClose(err) {
				return nil, nil
			}
			return nil, err
		}

		resp, herr := c.srv.handler(&Context{Task: t, Request: req})
		if herr != nil {
			resp = Response{Status: 500, Chunks: [][]byte{[]byte(herr.Error())}}
		}

		if err := c.writeResponse(t, req, &resp); err != nil {
			if isQuietClose(err) {
				return nil, nil
			}
			return nil, err
		}

		if !req.keepAlive {
			return nil, nil
		}
	}
}

func (c *connTask) readRequest(t *cogen.Task, stream *cogen.BufferedStream) (*Request, error) {
	timeout := c.srv.requestTimeout()

	line, err := stream.ReadLine(t, timeout)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, cogen.ErrProtocolError
	}
	req := &Request{Method: parts[0], Path: parts[1], Header: make(map[string][]string), sock: c.sock}
	if len(parts) == 3 {
		req.Proto = parts[2]
	}

	for {
		hline, err := stream.ReadLine(t, timeout)
		if err != nil {
			return nil, err
		}
		if hline == "" {
			break
		}
		k, v, ok := strings.Cut(hline, ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		req.Header[k] = append(req.Header[k], v)
	}

	req.Body = stream
	req.keepAlive = c.isKeepAlive(req)
	return req, nil
}

func (c *connTask) isKeepAlive(req *Request) bool {
	conn := strings.ToLower(req.Header1("Connection"))
	if conn == "close" {
		return false
	}
	if req.Proto == "HTTP/1.0" {
		return conn == "keep-alive"
	}
	return true
}

func (c *connTask) writeResponse(t *cogen.Task, req *Request, resp *Response) error {
	if resp.Header == nil {
		resp.Header = make(map[string][]string)
	}
	bodyLen := 0
	for _, chunk := range resp.Chunks {
		bodyLen += len(chunk)
	}
	resp.Header["Content-Length"] = []string{strconv.Itoa(bodyLen)}
	if req.keepAlive {
		resp.Header["Connection"] = []string{"keep-alive"}
	} else {
		resp.Header["Connection"] = []string{"close"}
	}

	head := headerBufPool.Get().(*bytes.Buffer)
	head.Reset()
	defer headerBufPool.Put(head)

	head.WriteString(resp.StatusLine())
	for k, vs := range resp.Header {
		for _, v := range vs {
			head.WriteString(k)
			head.WriteString(": ")
			head.WriteString(v)
			head.WriteString("\r\n")
		}
	}
	head.WriteString("\r\n")

	timeout := c.srv.requestTimeout()

	// Copy out before the buffer is returned to the pool: sendAll may
	// retain the slice across yields, past this function's defer.
	headBytes := append([]byte(nil), head.Bytes()...)

	seq := newResponder()
	ready := seq.submit(chunkEvent{idx: 0, val: headBytes, present: true})
	if err := c.sendAll(t, ready, timeout); err != nil {
		return err
	}
	for i, chunk := range resp.Chunks {
		ready := seq.submit(chunkEvent{idx: i + 1, val: chunk, present: true})
		if err := c.sendAll(t, ready, timeout); err != nil {
			return err
		}
	}
	return nil
}

func (c *connTask) sendAll(t *cogen.Task, chunks [][]byte, timeout time.Duration) error {
	for _, chunk := range chunks {
		if _, err := t.Yield(cogen.SendAll(c.sock, chunk, timeout)); err != nil {
			return err
		}
	}
	return nil
}
