//go:build linux

package proactor

import (
	"net"
	"testing"
	"time"
)

func TestEpoll_RegisterReadResolvesOnData(t *testing.T) {
	server, client := tcpRawPair(t)
	defer server.Close()
	defer client.Close()

	tcpConn := server.(*net.TCPConn)
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		t.Fatalf("SyscallConn: %v", err)
	}
	fd, err := fdOf(rawConn)
	if err != nil {
		t.Fatalf("fdOf: %v", err)
	}

	p, err := NewEpoll()
	if err != nil {
		t.Fatalf("NewEpoll: %v", err)
	}
	defer p.Close()

	buf := make([]byte, 5)
	n := 0
	entry := &Entry{
		FD:        fd,
		Direction: DirRead,
		Attempt: func() (bool, bool, error) {
			readN, rerr := fdRead(fd, buf[n:])
			if readN > 0 {
				n += readN
			}
			if rerr != nil {
				return false, readN > 0, rerr
			}
			return n == len(buf), readN > 0, nil
		},
	}

	if err := p.RegisterRead(entry); err != nil {
		t.Fatalf("RegisterRead: %v", err)
	}
	if p.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", p.Pending())
	}

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	var resolved []*Entry
	deadline := time.Now().Add(2 * time.Second)
	for len(resolved) == 0 && time.Now().Before(deadline) {
		resolved = p.Run(100 * time.Millisecond)
	}
	if len(resolved) != 1 || resolved[0] != entry {
		t.Fatalf("Run should report the resolved entry, got %v", resolved)
	}
	if !entry.Done || entry.Err != nil {
		t.Fatalf("entry should resolve Done with no error, got done=%v err=%v", entry.Done, entry.Err)
	}
	if string(buf) != "hello" {
		t.Fatalf("buf = %q, want %q", buf, "hello")
	}
	if p.Pending() != 0 {
		t.Fatalf("Pending should drop to 0 once the entry resolves, got %d", p.Pending())
	}
}

func TestEpoll_RemoveDeregistersFD(t *testing.T) {
	server, client := tcpRawPair(t)
	defer server.Close()
	defer client.Close()

	tcpConn := server.(*net.TCPConn)
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		t.Fatalf("SyscallConn: %v", err)
	}
	fd, err := fdOf(rawConn)
	if err != nil {
		t.Fatalf("fdOf: %v", err)
	}

	p, err := NewEpoll()
	if err != nil {
		t.Fatalf("NewEpoll: %v", err)
	}
	defer p.Close()

	entry := &Entry{
		FD:        fd,
		Direction: DirRead,
		Attempt:   func() (bool, bool, error) { return false, false, nil },
	}
	if err := p.RegisterRead(entry); err != nil {
		t.Fatalf("RegisterRead: %v", err)
	}
	p.Remove(entry)
	if p.Pending() != 0 {
		t.Fatalf("Pending should be 0 after Remove, got %d", p.Pending())
	}

	resolved := p.Run(30 * time.Millisecond)
	if len(resolved) != 0 {
		t.Fatalf("a removed entry must never be reported by Run, got %v", resolved)
	}
}

func TestEpoll_HasReadyIsConservative(t *testing.T) {
	p, err := NewEpoll()
	if err != nil {
		t.Fatalf("NewEpoll: %v", err)
	}
	defer p.Close()

	// epoll gives no cheap out-of-band peek, so HasReady reports only
	// entries already resolved on registration; with no registrations at
	// all it reports false.
	if p.HasReady() {
		t.Fatalf("HasReady should conservatively report false")
	}
}
