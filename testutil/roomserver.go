package testutil

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/roomwatch/live"
)

// FakeRoomServer is a TCP message server speaking the room stream protocol.
// It acknowledges every thread request and lets tests push frames to the
// connected clients.
type FakeRoomServer struct {
	Thread int64
	Ticket string

	t        *testing.T
	ln       net.Listener
	lastRes  int64
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	accepted int
	received chan string
}

// NewFakeRoomServer starts a server on a loopback port for thread.
func NewFakeRoomServer(t *testing.T, thread int64) *FakeRoomServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &FakeRoomServer{
		Thread:   thread,
		Ticket:   "0x" + strconv.FormatInt(thread, 16),
		t:        t,
		ln:       ln,
		conns:    make(map[net.Conn]struct{}),
		received: make(chan string, 256),
	}
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// SetLastRes sets the last_res reported in thread acknowledgements.
func (s *FakeRoomServer) SetLastRes(n int64) {
	s.mu.Lock()
	s.lastRes = n
	s.mu.Unlock()
}

// Port returns the listening port.
func (s *FakeRoomServer) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// MessageServer describes this server as the message server of room pos.
func (s *FakeRoomServer) MessageServer(pos live.RoomPosition) live.MessageServer {
	return live.MessageServer{Position: pos, Address: "127.0.0.1", Port: s.Port(), Thread: s.Thread}
}

// Close stops accepting and drops every client.
func (s *FakeRoomServer) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *FakeRoomServer) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(c)
	}
}

func (s *FakeRoomServer) serve(c net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()
	r := bufio.NewReader(c)
	first := true
	for {
		frame, err := r.ReadBytes(0)
		if err != nil {
			return
		}
		frame = bytes.TrimSuffix(frame, []byte{0})
		select {
		case s.received <- string(frame):
		default:
		}
		if first {
			first = false
			s.mu.Lock()
			ack := fmt.Sprintf(`<thread resultcode="0" thread="%d" last_res="%d" ticket="%s" revision="1" server_time="%d"/>`,
				s.Thread, s.lastRes, s.Ticket, time.Now().Unix())
			_, _ = c.Write(append([]byte(ack), 0))
			s.conns[c] = struct{}{}
			s.accepted++
			s.mu.Unlock()
		}
	}
}

// Send writes a raw frame to every joined client.
func (s *FakeRoomServer) Send(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_, _ = c.Write(append([]byte(frame), 0))
	}
}

// SendChat pushes a chat frame to every joined client.
func (s *FakeRoomServer) SendChat(no int64, userID string, premium live.PremiumTier, text string) {
	s.Send(fmt.Sprintf(`<chat thread="%d" no="%d" vpos="0" date="%d" date_usec="0" user_id="%s" premium="%d">%s</chat>`,
		s.Thread, no, time.Now().Unix(), userID, int(premium), text))
}

// NextFrame waits for the next frame a client sent.
func (s *FakeRoomServer) NextFrame(t *testing.T) string {
	t.Helper()
	select {
	case f := <-s.received:
		return f
	case <-time.After(3 * time.Second):
		t.Fatalf("room server %d: no frame received", s.Thread)
		return ""
	}
}

// Clients returns the number of connected clients that joined.
func (s *FakeRoomServer) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Accepted returns how many clients joined over the server's lifetime.
func (s *FakeRoomServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// WaitClients polls until Clients equals n.
func (s *FakeRoomServer) WaitClients(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Clients() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room server %d: clients = %d, want %d", s.Thread, s.Clients(), n)
}
