package chat

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/roomwatch/live"
	"github.com/onnwee/roomwatch/testutil"
)

type recordingHandler struct {
	joined  chan ThreadFrame
	chats   chan live.Chat
	results chan live.ChatResult
	errs    chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		joined:  make(chan ThreadFrame, 8),
		chats:   make(chan live.Chat, 64),
		results: make(chan live.ChatResult, 8),
		errs:    make(chan error, 8),
	}
}

func (h *recordingHandler) OnJoined(_ *Listener, th ThreadFrame) { h.joined <- th }
func (h *recordingHandler) OnChat(_ *Listener, c live.Chat) { h.chats <- c }
func (h *recordingHandler) OnChatResult(_ *Listener, r live.ChatResult) { h.results <- r }
func (h *recordingHandler) OnError(_ *Listener, err error) { h.errs <- err }

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func openListener(t *testing.T, srv *testutil.FakeRoomServer, pos live.RoomPosition) (*Listener, *recordingHandler) {
	t.Helper()
	h := newRecordingHandler()
	l := NewListener(srv.MessageServer(pos), TCPDialer{Timeout: time.Second}, h, ListenerOptions{})
	l.Open(context.Background())
	t.Cleanup(l.Close)
	return l, h
}

func TestListenerJoinsAndStreamsChats(t *testing.T) {
	srv := testutil.NewFakeRoomServer(t, 1000)
	srv.SetLastRes(41)
	l, h := openListener(t, srv, live.StandA)

	req := srv.NextFrame(t)
	if !strings.HasPrefix(req, `<thread thread="1000" res_from="-20"`) {
		t.Fatalf("unexpected thread request %q", req)
	}
	th := waitFor(t, h.joined, "join")
	if th.Thread != 1000 || th.LastRes != 41 {
		t.Errorf("unexpected ack %+v", th)
	}
	if l.LastRes() != 41 {
		t.Errorf("LastRes = %d, want 41", l.LastRes())
	}

	srv.SendChat(42, "111", live.Ippan, "first")
	srv.Send(`<chat thread="1000" no="broken">bad</chat>`)
	srv.SendChat(43, "222", live.Premium, "second")

	c1 := waitFor(t, h.chats, "chat 42")
	c2 := waitFor(t, h.chats, "chat 43")
	if c1.No != 42 || c2.No != 43 || c1.Room != live.StandA {
		t.Errorf("unexpected chats %+v %+v", c1, c2)
	}
	if l.LastRes() != 43 {
		t.Errorf("LastRes = %d, want 43", l.LastRes())
	}
	select {
	case err := <-h.errs:
		t.Fatalf("bad frame closed the stream: %v", err)
	default:
	}
}

func TestListenerDropsOutOfOrderChats(t *testing.T) {
	srv := testutil.NewFakeRoomServer(t, 7)
	_, h := openListener(t, srv, live.Arena)
	waitFor(t, h.joined, "join")

	srv.SendChat(10, "1", live.Ippan, "a")
	srv.SendChat(9, "1", live.Ippan, "late")
	srv.SendChat(11, "1", live.Ippan, "b")

	if c := waitFor(t, h.chats, "chat"); c.No != 10 {
		t.Fatalf("first chat no = %d", c.No)
	}
	if c := waitFor(t, h.chats, "chat"); c.No != 11 {
		t.Fatalf("second chat no = %d, want 11", c.No)
	}
}

func TestListenerComment(t *testing.T) {
	srv := testutil.NewFakeRoomServer(t, 555)
	base := time.Unix(1_700_000_000, 0)
	h := newRecordingHandler()
	l := NewListener(srv.MessageServer(live.Arena), TCPDialer{}, h, ListenerOptions{
		Now: func() time.Time { return base.Add(12 * time.Second) },
	})

	if err := l.Comment(live.Live{}, live.User{}, "k", "x", true); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("comment before join err = %v, want ErrNotJoined", err)
	}

	l.Open(context.Background())
	defer l.Close()
	srv.NextFrame(t)
	waitFor(t, h.joined, "join")

	lv := live.Live{ID: "lv1", BaseTime: base}
	user := live.User{ID: "9001", IsPremium: true}
	if err := l.Comment(lv, user, "pk-1", "hello", false); err != nil {
		t.Fatalf("Comment: %v", err)
	}
	got := srv.NextFrame(t)
	want := `<chat thread="555" ticket="0x22b" vpos="1200" postkey="pk-1" mail="" user_id="9001" premium="1" locale="ja-jp">hello</chat>`
	if got != want {
		t.Errorf("post frame\n got %q\nwant %q", got, want)
	}

	srv.Send(`<chat_result thread="555" status="0" no="3"/>`)
	if r := waitFor(t, h.results, "chat result"); r.Status != live.ChatResultSuccess || r.No != 3 {
		t.Errorf("unexpected result %+v", r)
	}
}

func TestListenerCloseIsIdempotent(t *testing.T) {
	h := newRecordingHandler()
	unopened := NewListener(live.MessageServer{Address: "127.0.0.1", Port: 1}, nil, h, ListenerOptions{})
	unopened.Close()
	unopened.Close()
	select {
	case <-unopened.Done():
	default:
		t.Fatal("Done not closed for unopened listener")
	}
	unopened.Open(context.Background())

	srv := testutil.NewFakeRoomServer(t, 9)
	l, h2 := openListener(t, srv, live.Arena)
	waitFor(t, h2.joined, "join")
	l.Close()
	l.Close()
	waitFor(t, l.Done(), "listener exit")
	srv.WaitClients(t, 0)
	select {
	case err := <-h2.errs:
		t.Fatalf("local close reported error %v", err)
	default:
	}
}

func TestListenerReportsDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	h := newRecordingHandler()
	l := NewListener(live.MessageServer{Address: "127.0.0.1", Port: port}, TCPDialer{Timeout: time.Second}, h, ListenerOptions{})
	l.Open(context.Background())
	defer l.Close()
	if err := waitFor(t, h.errs, "dial error"); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestListenerStopsOnContextCancel(t *testing.T) {
	srv := testutil.NewFakeRoomServer(t, 3)
	h := newRecordingHandler()
	l := NewListener(srv.MessageServer(live.Arena), TCPDialer{}, h, ListenerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	l.Open(ctx)
	waitFor(t, h.joined, "join")
	cancel()
	waitFor(t, l.Done(), "listener exit")
	srv.WaitClients(t, 0)
}

func TestWebSocketDialerURL(t *testing.T) {
	s := live.MessageServer{Address: "msg101.live.nicovideo.jp", Port: 2805, Thread: 77}
	if got := (WebSocketDialer{}).URL(s); got != "ws://msg101.live.nicovideo.jp:2805/" {
		t.Errorf("default url = %q", got)
	}
	d := WebSocketDialer{URLTemplate: "wss://gw.example/rooms/{thread}?upstream={host}:{port}"}
	if got := d.URL(s); got != "wss://gw.example/rooms/77?upstream=msg101.live.nicovideo.jp:2805" {
		t.Errorf("templated url = %q", got)
	}
}
