// Package httpserver is a minimal HTTP/1.1 collaborator exercising the
// cogen core end-to-end: it opens a listening Socket, accepts connections,
// and drives each one through a Handler, entirely in terms of cogen
// Operations (Accept, Recv/SendAll, WaitForSignal, Sleep). It deliberately
// does not build a WSGI-style environment dict or a path dispatcher --
// those are out of scope -- but a Handler can itself suspend on arbitrary
// core Operations via Context.Yield, mirroring the interleaving contract
// described by original_source/cogen/web/wsgi.py without reproducing its
// environ['cogen'] machinery.
package httpserver

import (
	"fmt"

	"github.com/silvatek/cogen"
)

// Request is the minimal parsed HTTP/1.1 request line + headers handed to a
// Handler. Parsing request/response bodies beyond Content-Length framing is
// left to the Handler.
type Request struct {
	Method    string
	Path      string
	Proto     string
	Header    map[string][]string
	Body      *cogen.BufferedStream
	sock      *cogen.Socket
	keepAlive bool
}

// Header1 returns the first value for key, or "".
func (r *Request) Header1(key string) string {
	if vs, ok := r.Header[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Response is what a Handler returns: a status line plus a sequence of body
// chunks, each produced (possibly) after the Handler suspends on other
// Operations in between -- the responder (responder.go) guarantees they are
// written to the connection in production order regardless of how the
// Handler interleaves its yields.
type Response struct {
	Status  int
	Reason  string
	Header  map[string][]string
	Chunks  [][]byte
}

// StatusLine renders the HTTP/1.1 status line for Status/Reason.
func (r *Response) StatusLine() string {
	reason := r.Reason
	if reason == "" {
		reason = defaultReason(r.Status)
	}
	return fmt.Sprintf("HTTP/1.1 %d %s\r\n", r.Status, reason)
}

func defaultReason(status int) string {
	switch status {
	case 200:
		return "OK"
	case 204:
		return "No Content"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	default:
		return "Status"
	}
}

// Context is handed to a Handler. It exposes the suspend primitive so a
// Handler body can yield arbitrary cogen Operations -- not just produce
// response chunks -- the same way original_source's WSGI app interleaves
// environ['cogen'].operation/result with response generation.
type Context struct {
	Task    *cogen.Task
	Request *Request
}

// Yield suspends the handler's Task on op, exactly like cogen.Task.Yield.
func (c *Context) Yield(op cogen.Operation) (any, error) {
	return c.Task.Yield(op)
}

// Handler produces a Response for a Request. It runs inside the
// connection's Task, so it may call Context.Yield freely.
type Handler func(ctx *Context) (Response, error)
