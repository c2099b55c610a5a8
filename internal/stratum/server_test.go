package stratum

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeAdmitter bolts connection admission onto fakeDispatcher with a
// simple per-IP cap, standing in for the coordinator.
type fakeAdmitter struct {
	fakeDispatcher

	mu       sync.Mutex
	nextID   int64
	perIP    map[string]int
	maxPerIP int
	dropped  []int64
}

func newFakeAdmitter(maxPerIP int) *fakeAdmitter {
	return &fakeAdmitter{
		perIP:    make(map[string]int),
		maxPerIP: maxPerIP,
	}
}

func (f *fakeAdmitter) OnConnect(remoteIP string) (int64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maxPerIP > 0 && f.perIP[remoteIP] >= f.maxPerIP {
		return 0, "", net.ErrClosed
	}
	f.perIP[remoteIP]++
	f.nextID++
	return f.nextID, "00000001", nil
}

func (f *fakeAdmitter) OnDisconnect(sessionID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, sessionID)
}

func (f *fakeAdmitter) SweepInactive() int { return 0 }

func startTestServer(t *testing.T, admitter Admitter) (addr string, cancel context.CancelFunc) {
	t.Helper()

	srv := NewServer(ServerConfig{
		Addr:         "127.0.0.1",
		Port:         0,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, admitter, testLogger())

	ctx, cancelCtx := context.WithCancel(context.Background())

	// Port 0 means the OS picks; grab the listener once Run has bound it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for srv.listener == nil {
		if time.Now().After(deadline) {
			cancelCtx()
			t.Fatal("server never bound its listener")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancelCtx()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return srv.listener.Addr().String(), cancelCtx
}

func TestServerAcceptsAndServes(t *testing.T) {
	admitter := newFakeAdmitter(0)
	addr, _ := startTestServer(t, admitter)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write([]byte(`{"id":1,"method":"mining.subscribe","params":["miner/1.0"]}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply := readLine(t, conn)
	msg, err := ParseMessage(reply)
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	if msg.Error != nil {
		t.Fatalf("subscribe over TCP rejected: %+v", msg.Error)
	}
}

func TestServerPerIPCap(t *testing.T) {
	const limit = 3
	admitter := newFakeAdmitter(limit)
	addr, _ := startTestServer(t, admitter)

	conns := make([]net.Conn, 0, limit)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	// Exactly cap connections succeed.
	for i := 0; i < limit; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conns = append(conns, conn)

		if _, err := conn.Write([]byte(`{"id":1,"method":"mining.subscribe","params":[]}` + "\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		readLine(t, conn) // served: got a subscribe response
	}

	// The next one is cut off at accept without a Stratum exchange.
	over, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial overflow: %v", err)
	}
	defer func() { _ = over.Close() }()

	if err := over.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("deadline: %v", err)
	}
	buf := make([]byte, 64)
	if n, err := over.Read(buf); err == nil {
		t.Errorf("over-cap connection was served: read %d bytes", n)
	}
}
