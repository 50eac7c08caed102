package cogen

import (
	"context"
	"net"
	"testing"
	"time"
)

// tcpPair opens a real TCP loopback listener and one already-connected
// client net.Conn against it, so Recv/Send/SendAll exercise a genuine
// syscall.RawConn (net.Pipe's in-memory Conn does not implement
// syscall.Conn, so it cannot stand in here).
func tcpPair(t *testing.T) (ln net.Listener, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return ln, client
}

func TestSocket_EchoRoundTrip(t *testing.T) {
	ln, client := tcpPair(t)
	defer client.Close()
	defer ln.Close()

	sched := NewScheduler()
	defer sched.Close()

	listenerSock := NewListenerSocket(sched, ln)

	serverDone := make(chan struct{})
	sched.Spawn(func(tk *Task) (any, error) {
		defer close(serverDone)
		res, err := tk.Yield(Accept(listenerSock, 2*time.Second))
		if err != nil {
			return nil, err
		}
		pair := res.([2]any)
		serverSock := pair[0].(*Socket)
		defer serverSock.Close()

		data, err := tk.Yield(Recv(serverSock, 64, 2*time.Second))
		if err != nil {
			return nil, err
		}
		_, err = tk.Yield(SendAll(serverSock, data.([]byte), 2*time.Second))
		return nil, err
	}, PriorityDefault)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go sched.Run(ctx)

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	echoBuf := make([]byte, 5)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(echoBuf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(echoBuf) != "hello" {
		t.Fatalf("echoed = %q, want %q", echoBuf, "hello")
	}
	<-serverDone
}

func TestSocket_RecvTimesOut(t *testing.T) {
	ln, client := tcpPair(t)
	defer client.Close()
	defer ln.Close()

	sched := NewScheduler()
	defer sched.Close()

	listenerSock := NewListenerSocket(sched, ln)

	var recvErr error
	done := make(chan struct{})
	sched.Spawn(func(tk *Task) (any, error) {
		defer close(done)
		res, err := tk.Yield(Accept(listenerSock, 2*time.Second))
		if err != nil {
			return nil, err
		}
		pair := res.([2]any)
		serverSock := pair[0].(*Socket)
		defer serverSock.Close()

		_, recvErr = tk.Yield(Recv(serverSock, 64, 50*time.Millisecond))
		return nil, nil
	}, PriorityDefault)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sched.Run(ctx)

	<-done
	if recvErr != ErrOperationTimeout {
		t.Fatalf("Recv with no data sent should time out, got %v", recvErr)
	}
}

func TestSocket_CloseCancelsPendingRecv(t *testing.T) {
	ln, client := tcpPair(t)
	defer client.Close()
	defer ln.Close()

	sched := NewScheduler()
	defer sched.Close()

	listenerSock := NewListenerSocket(sched, ln)

	var recvErr error
	var serverSock *Socket
	accepted := make(chan struct{})
	done := make(chan struct{})
	sched.Spawn(func(tk *Task) (any, error) {
		defer close(done)
		res, err := tk.Yield(Accept(listenerSock, 2*time.Second))
		if err != nil {
			return nil, err
		}
		pair := res.([2]any)
		serverSock = pair[0].(*Socket)
		close(accepted)

		_, recvErr = tk.Yield(Recv(serverSock, 64, NoTimeout))
		return nil, nil
	}, PriorityDefault)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go sched.Run(ctx)

	<-accepted
	time.Sleep(20 * time.Millisecond) // let Recv register with the proactor
	if err := serverSock.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	<-done
	if recvErr != ErrConnectionClosed {
		t.Fatalf("Recv pending across a Close should fail with ErrConnectionClosed, got %v", recvErr)
	}
}

func TestSocket_SendAllWeakTimeoutSurvivesSlowDrain(t *testing.T) {
	ln, client := tcpPair(t)
	defer client.Close()
	defer ln.Close()

	sched := NewScheduler()
	defer sched.Close()

	listenerSock := NewListenerSocket(sched, ln)

	// Large enough that a single Write rarely completes it all in one
	// syscall once the client stops draining for a beat, but each partial
	// write is progress, so a weak timeout of 100ms must not fire even
	// though the whole SendAll takes longer than that in wall-clock time.
	payload := make([]byte, 4<<20)
	for i := range payload {
		payload[i] = byte(i)
	}

	var sendErr error
	var sent int
	done := make(chan struct{})
	sched.Spawn(func(tk *Task) (any, error) {
		defer close(done)
		res, err := tk.Yield(Accept(listenerSock, 2*time.Second))
		if err != nil {
			return nil, err
		}
		pair := res.([2]any)
		serverSock := pair[0].(*Socket)
		defer serverSock.Close()

		v, err := tk.Yield(SendAll(serverSock, payload, 100*time.Millisecond))
		sendErr = err
		sent, _ = v.(int)
		return nil, nil
	}, PriorityDefault)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go sched.Run(ctx)

	// Drain slowly, in small reads with pauses, so no single Write
	// finishes the whole payload, but forward progress never stalls for
	// a full 100ms.
	go func() {
		buf := make([]byte, 4096)
		total := 0
		for total < len(payload) {
			client.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, err := client.Read(buf)
			if err != nil {
				return
			}
			total += n
			time.Sleep(2 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(9 * time.Second):
		t.Fatalf("SendAll did not complete in time")
	}

	if sendErr != nil {
		t.Fatalf("weak-timeout SendAll should survive a slow-but-steady drain, got err %v", sendErr)
	}
	if sent != len(payload) {
		t.Fatalf("sent = %d, want %d", sent, len(payload))
	}
}
