package stratum

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/bardlex/gomp/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("stratum-test", "test", "error", "text")
}

func newTestSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	s := NewSession(1, "00000001", server, testLogger(), time.Second, time.Second)
	t.Cleanup(func() {
		s.Close()
		_ = client.Close()
	})
	return s, client
}

func TestSessionStateTransitions(t *testing.T) {
	s, _ := newTestSession(t)

	if got := s.State(); got != StateConnected {
		t.Fatalf("initial state = %v, want connected", got)
	}
	if s.CanSubmit() {
		t.Error("fresh session must not accept submits")
	}

	s.MarkSubscribed()
	if got := s.State(); got != StateSubscribed {
		t.Fatalf("after subscribe state = %v", got)
	}
	if s.CanSubmit() {
		t.Error("subscribed session must not accept submits")
	}

	s.MarkAuthorized("alice", "rig1", 10, 20, 10000)
	if got := s.State(); got != StateAuthorized {
		t.Fatalf("after authorize state = %v", got)
	}
	if !s.CanSubmit() {
		t.Error("authorized session must accept submits")
	}
	if s.MinerID() != 10 || s.WorkerID() != 20 || s.Difficulty() != 10000 {
		t.Errorf("authorize bookkeeping wrong: miner=%d worker=%d diff=%d", s.MinerID(), s.WorkerID(), s.Difficulty())
	}

	s.MarkActive()
	if got := s.State(); got != StateActive {
		t.Fatalf("after first share state = %v", got)
	}
	if !s.CanSubmit() {
		t.Error("active session must accept submits")
	}

	// Transitions never move backward.
	s.MarkSubscribed()
	if got := s.State(); got != StateActive {
		t.Errorf("backward transition changed state to %v", got)
	}

	s.Close()
	if got := s.State(); got != StateClosed {
		t.Fatalf("after close state = %v", got)
	}
	s.MarkActive()
	if got := s.State(); got != StateClosed {
		t.Errorf("closed session transitioned to %v", got)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	s, _ := newTestSession(t)
	s.Close()
	s.Close() // must not panic or double-close the channel
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateConnected:  "connected",
		StateSubscribed: "subscribed",
		StateAuthorized: "authorized",
		StateActive:     "active",
		StateClosed:     "closed",
		StateBanned:     "banned",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

// recordingHandler collects every message the read loop hands it.
type recordingHandler struct {
	msgs chan *Message
}

func (h *recordingHandler) HandleMessage(_ context.Context, _ *Session, msg *Message) error {
	h.msgs <- msg
	return nil
}

func TestSessionReadLoopDeliversMessages(t *testing.T) {
	s, client := newTestSession(t)
	handler := &recordingHandler{msgs: make(chan *Message, 10)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Start(ctx, handler) }()

	if _, err := client.Write([]byte(`{"id":1,"method":"mining.subscribe","params":[]}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-handler.msgs:
		if msg.Method != "mining.subscribe" {
			t.Errorf("delivered method = %q", msg.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered to handler")
	}
}

func TestSessionParseErrorAnswersCode20(t *testing.T) {
	s, client := newTestSession(t)
	handler := &recordingHandler{msgs: make(chan *Message, 10)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Start(ctx, handler) }()

	if _, err := client.Write([]byte("{not json}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply := readLine(t, client)
	var msg Message
	if err := json.Unmarshal(reply, &msg); err != nil {
		t.Fatalf("reply not JSON: %v (%s)", err, reply)
	}
	if msg.Error == nil || msg.Error.Code != ErrorUnknown {
		t.Errorf("parse error reply = %s, want code 20", reply)
	}
}

// readLine reads one newline-terminated frame from the client side.
func readLine(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("deadline: %v", err)
	}
	buf := make([]byte, maxLineSize)
	var line []byte
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		line = append(line, buf[:n]...)
		for i, b := range line {
			if b == '\n' {
				return line[:i]
			}
		}
	}
}
