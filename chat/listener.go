package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/roomwatch/live"
	"github.com/onnwee/roomwatch/telemetry"
)

// DefaultResFrom is how many past comments a listener asks for on join.
const DefaultResFrom = 20

const writeTimeout = 10 * time.Second

// ErrNotJoined is returned by Comment before the thread was acknowledged.
var ErrNotJoined = errors.New("room not joined")

// ListenerHandler receives the events of one listener. Calls for a listener
// come from its own read goroutine, in stream order, never concurrently.
type ListenerHandler interface {
	OnJoined(l *Listener, thread ThreadFrame)
	OnChat(l *Listener, c live.Chat)
	OnChatResult(l *Listener, r live.ChatResult)
	// OnError reports a failed dial or a stream the server ended. It is not
	// called after Close.
	OnError(l *Listener, err error)
}

// ListenerOptions tunes a Listener. Zero values use defaults.
type ListenerOptions struct {
	ResFrom int
	Now     func() time.Time
}

// Listener owns the connection to one room's message server.
type Listener struct {
	server  live.MessageServer
	dialer  Dialer
	handler ListenerHandler
	resFrom int
	now     func() time.Time

	mu      sync.Mutex
	conn    net.Conn
	cancel  context.CancelFunc
	opened  bool
	closed  bool
	joined  bool
	ticket  string
	thread  int64
	writeMu sync.Mutex

	lastRes       atomic.Int64
	lastDelivered int64 // touched only by the read goroutine
	done          chan struct{}
}

// NewListener creates a listener for server. Nothing is dialed until Open.
func NewListener(server live.MessageServer, dialer Dialer, handler ListenerHandler, opts ListenerOptions) *Listener {
	if dialer == nil {
		dialer = TCPDialer{}
	}
	if opts.ResFrom <= 0 {
		opts.ResFrom = DefaultResFrom
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Listener{
		server:  server,
		dialer:  dialer,
		handler: handler,
		resFrom: opts.ResFrom,
		now:     opts.Now,
		thread:  server.Thread,
		done:    make(chan struct{}),
	}
}

// Server returns the message server this listener was created for.
func (l *Listener) Server() live.MessageServer { return l.server }

// Room returns the room position of the listener.
func (l *Listener) Room() live.RoomPosition { return l.server.Position }

// LastRes is the highest comment number seen in the room so far.
func (l *Listener) LastRes() int64 { return l.lastRes.Load() }

// Done is closed once the read goroutine has exited, or at Close when the
// listener was never opened.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Joined reports whether the thread acknowledgement arrived.
func (l *Listener) Joined() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.joined
}

// Open starts connecting in the background and returns immediately. Calling
// Open again, or after Close, does nothing.
func (l *Listener) Open(ctx context.Context) {
	l.mu.Lock()
	if l.opened || l.closed {
		l.mu.Unlock()
		return
	}
	l.opened = true
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	go l.run(ctx)
}

// Close tears the connection down. It is idempotent, may be called before
// Open, and does not wait for the read goroutine.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	conn, cancel, opened := l.conn, l.cancel, l.opened
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Debug("room connection close", slog.String("room", l.server.Position.String()), slog.Any("err", err))
		}
	}
	if !opened {
		close(l.done)
	}
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	stop := context.AfterFunc(ctx, l.Close)
	defer stop()

	log := slog.With(slog.String("component", "room_listener"), slog.String("room", l.server.Position.String()), slog.String("server", l.server.HostPort()))

	conn, err := l.dialer.Dial(ctx, l.server)
	if err != nil {
		if !l.isClosed() {
			telemetry.IncRoomConnectFailure()
			log.Warn("room connect failed", slog.Any("err", err))
			l.handler.OnError(l, err)
		}
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return
	}
	l.conn = conn
	l.mu.Unlock()

	if err := l.write(EncodeThreadRequest(l.server.Thread, l.resFrom)); err != nil {
		if !l.isClosed() {
			log.Warn("thread request failed", slog.Any("err", err))
			l.handler.OnError(l, err)
		}
		return
	}
	log.Debug("room connected", slog.Int64("thread", l.server.Thread))

	scanner := NewFrameScanner(conn)
	for {
		raw, err := scanner.Next()
		if err != nil {
			if l.isClosed() {
				return
			}
			log.Info("room stream ended", slog.Any("err", err))
			l.handler.OnError(l, fmt.Errorf("room %s stream: %w", l.server.Position, err))
			return
		}
		if len(raw) == 0 {
			continue
		}
		frame, err := DecodeFrame(raw)
		if err != nil {
			telemetry.IncFramesDropped()
			log.Warn("dropping room frame", slog.Any("err", err), slog.Int("bytes", len(raw)))
			continue
		}
		if l.isClosed() {
			return
		}
		l.dispatch(frame, log)
	}
}

func (l *Listener) dispatch(frame Frame, log *slog.Logger) {
	switch f := frame.(type) {
	case *ThreadFrame:
		l.mu.Lock()
		first := !l.joined
		l.joined = true
		l.ticket = f.Ticket
		if f.Thread != 0 {
			l.thread = f.Thread
		}
		l.mu.Unlock()
		l.bumpLastRes(f.LastRes)
		if first {
			l.handler.OnJoined(l, *f)
		}
	case *ChatFrame:
		c := f.Chat(l.server.Position)
		if c.No > 0 {
			if c.No < l.lastDelivered {
				log.Debug("dropping out of order chat", slog.Int64("no", c.No), slog.Int64("last", l.lastDelivered))
				return
			}
			l.lastDelivered = c.No
			l.bumpLastRes(c.No)
		}
		l.handler.OnChat(l, c)
	case *ChatResultFrame:
		l.handler.OnChatResult(l, f.Result(l.server.Position))
	}
}

func (l *Listener) bumpLastRes(n int64) {
	for {
		cur := l.lastRes.Load()
		if n <= cur || l.lastRes.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (l *Listener) write(b []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(b)
	return err
}

// Comment posts text into the room. It returns once the frame is written;
// the outcome arrives later through OnChatResult.
func (l *Listener) Comment(lv live.Live, user live.User, postKey, text string, anonymous bool) error {
	l.mu.Lock()
	joined, ticket, thread := l.joined, l.ticket, l.thread
	l.mu.Unlock()
	if !joined {
		return ErrNotJoined
	}
	frame := EncodePost(Post{
		Thread:    thread,
		Ticket:    ticket,
		Vpos:      Vpos(lv.BaseTime, l.now()),
		PostKey:   postKey,
		UserID:    user.ID,
		Premium:   user.IsPremium,
		Anonymous: anonymous,
		Text:      text,
	})
	if err := l.write(frame); err != nil {
		return fmt.Errorf("post comment to %s: %w", l.server.Position, err)
	}
	return nil
}
