// Package session orchestrates one listening session: bootstrap, community
// load, room derivation, progressive room opening, heartbeat and the
// kick-out and remote disconnect rules. A Session is owned by its caller;
// there is no process-wide instance.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/roomwatch/chat"
	"github.com/onnwee/roomwatch/credential"
	"github.com/onnwee/roomwatch/live"
	"github.com/onnwee/roomwatch/nicoapi"
	"github.com/onnwee/roomwatch/telemetry"
)

const recentChatLimit = 500

var (
	// ErrNotListening is returned by operations that need a listening session.
	ErrNotListening = errors.New("session is not listening")
	// ErrRoomNotOpen is returned by Comment when the assigned room has no listener.
	ErrRoomNotOpen = errors.New("assigned room is not open")
	// ErrConnectAborted is returned by Connect when Disconnect ran meanwhile.
	ErrConnectAborted = errors.New("connect aborted")
	// ErrNotResolvable is returned for user ids that are not raw account ids.
	ErrNotResolvable = errors.New("user id is not resolvable")
	// ErrChatNotFound is returned by FindChat for chats no longer retained.
	ErrChatNotFound = errors.New("chat not found")
)

// API is the platform surface a session uses. *nicoapi.Client implements it.
type API interface {
	GetPlayerStatus(ctx context.Context, liveNumber int64) (*nicoapi.PlayerStatus, error)
	LoadCommunity(ctx context.Context, c live.Community) (live.Community, error)
	GetPostKey(ctx context.Context, thread, blockNo int64) (string, error)
	Heartbeat(ctx context.Context, liveID string) (live.Heartbeat, error)
	ReportNG(ctx context.Context, r nicoapi.NGReport) error
	ResolveUsername(ctx context.Context, id string) (string, error)
	FetchThumbnail(ctx context.Context, url string) ([]byte, error)
}

// resetReserver is implemented by credential providers that can drop a
// cached token on request (credential.Cached).
type resetReserver interface {
	ReserveReset()
	ApplyReservedReset() bool
}

// Options configure a Session. API and Credentials are required.
type Options struct {
	API         API
	Credentials credential.Provider
	Handler     Handler
	Dialer      chat.Dialer
	Neighbor    live.NeighborFunc
	Clock       clock.Clock

	HeartbeatInterval time.Duration
	ResFrom           int
}

// Session is one client of the live platform. It is safe for concurrent use.
type Session struct {
	api       API
	creds     credential.Provider
	handler   Handler
	dialer    chat.Dialer
	neighbor  live.NeighborFunc
	clock     clock.Clock
	interval  time.Duration
	resFrom   int
	heartbeat *HeartbeatScheduler
	usernames UsernameCache
	log       *slog.Logger

	connectMu sync.Mutex

	mu            sync.Mutex
	state         State
	id            string
	cancel        context.CancelFunc
	startedAt     time.Time
	lastHeartbeat *heartbeatRecord
	recent        []live.Chat

	chatCount atomic.Int64
}

type heartbeatRecord struct {
	at time.Time
	hb live.Heartbeat
}

// New returns an idle session.
func New(opts Options) *Session {
	s := &Session{
		api:      opts.API,
		creds:    opts.Credentials,
		handler:  opts.Handler,
		dialer:   opts.Dialer,
		neighbor: opts.Neighbor,
		clock:    opts.Clock,
		interval: opts.HeartbeatInterval,
		resFrom:  opts.ResFrom,
		state:    Idle{},
		log:      slog.Default().With(slog.String("component", "session")),
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.interval <= 0 {
		s.interval = DefaultHeartbeatInterval
	}
	if s.dialer == nil {
		s.dialer = chat.TCPDialer{}
	}
	if s.creds == nil {
		s.creds = credential.Static("")
	}
	s.heartbeat = NewHeartbeatScheduler(s.clock, s.heartbeatTick)
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state.(*Listening); ok {
		return *st
	}
	return s.state
}

// ID returns the id of the current session run, empty when idle.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// ChatCount returns the chats received since the last Connect.
func (s *Session) ChatCount() int64 { return s.chatCount.Load() }

// Heartbeat exposes the scheduler for inspection.
func (s *Session) Heartbeat() *HeartbeatScheduler { return s.heartbeat }

// ReserveCredentialReset drops the cached session token at the next Connect.
func (s *Session) ReserveCredentialReset() bool {
	r, ok := s.creds.(resetReserver)
	if ok {
		r.ReserveReset()
	}
	return ok
}

func (s *Session) emit(ev Event) {
	if s.handler == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	s.handler.HandleEvent(ev)
}

// Connect joins broadcast broadcastID ("lv123", "123" or a watch URL). A
// session that is not idle is fully disconnected first. Connect returns once
// listening started or the attempt failed; every failure is also reported as
// EventPrepareFailed. A Disconnect before the first room opened makes Connect
// return ErrConnectAborted.
func (s *Session) Connect(ctx context.Context, broadcastID string) (err error) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.Disconnect()

	if r, ok := s.creds.(resetReserver); ok && r.ApplyReservedReset() {
		s.log.Info("session token reset before connect")
	}

	number, err := live.ParseLiveNumber(broadcastID)
	if err != nil {
		s.prepareFailed("", "invalid broadcast id", err)
		return err
	}

	ctx, span := telemetry.StartSpan(ctx, "session", "connect", attribute.Int64("live.number", number))
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()

	id := uuid.NewString()
	started := time.Now()
	s.mu.Lock()
	s.id = id
	s.state = Resolving{LiveNumber: number}
	s.mu.Unlock()
	log := s.log.With(slog.String("session_id", id), slog.Int64("live_number", number))

	if _, err := s.creds.SessionToken(ctx); err != nil {
		return s.abortPrepare(id, nicoapi.ReasonNoCredential, err)
	}

	ps, err := s.api.GetPlayerStatus(ctx, number)
	if err != nil {
		return s.abortPrepare(id, nicoapi.Reason(err, nicoapi.ReasonRequest), err)
	}
	log.Info("player status loaded", slog.String("live_id", ps.Live.ID), slog.String("room", ps.Server.Position.String()), slog.Int("seat", ps.User.SeatNo))

	if !s.advance(id, LoadingCommunity{Live: ps.Live, User: ps.User, Assigned: ps.Server}) {
		return s.abortPrepare(id, "", ErrConnectAborted)
	}

	community, err := s.api.LoadCommunity(ctx, ps.Live.Community)
	if err != nil {
		return s.abortPrepare(id, nicoapi.ReasonCommunity, err)
	}
	lv := ps.Live
	lv.Community = community
	servers := live.DeriveRoomServers(ps.Server, community, s.neighbor)
	log.Info("community loaded", slog.String("community", community.String()), slog.Int("rooms", len(servers)))

	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &Listening{
		Live:      lv,
		User:      ps.User,
		Assigned:  ps.Server,
		Servers:   servers,
		ctx:       lctx,
		listeners: make([]*chat.Listener, len(servers)),
		firstChat: make(map[live.RoomPosition]bool),
	}
	s.mu.Lock()
	if s.id != id {
		s.mu.Unlock()
		cancel()
		return s.abortPrepare(id, "", ErrConnectAborted)
	}
	s.state = st
	s.cancel = cancel
	s.startedAt = started
	s.chatCount.Store(0)
	first := s.newListenerLocked(st, 0)
	s.mu.Unlock()

	u := ps.User
	s.emit(Event{Kind: EventPrepared, SessionID: id, Live: &lv, User: &u})

	// A handler of EventPrepared or another goroutine may have disconnected
	// meanwhile; the room and the heartbeat only start for the current run.
	s.mu.Lock()
	if s.id != id {
		s.mu.Unlock()
		log.Info("disconnected before listening started")
		return ErrConnectAborted
	}
	first.Open(lctx)
	s.heartbeat.Start(lctx, s.interval, true)
	s.mu.Unlock()

	telemetry.SetListening(true)
	telemetry.IncSessionStarted()
	telemetry.SetRoomsOpen(1)
	telemetry.SetHeartbeatInterval(s.interval)
	if telemetry.PrepareDuration != nil {
		telemetry.PrepareDuration.Observe(time.Since(started).Seconds())
	}
	return nil
}

// advance moves the session of run id to next, unless a disconnect replaced it.
func (s *Session) advance(id string, next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != id {
		return false
	}
	s.state = next
	return true
}

// abortPrepare ends the connect attempt of run id. Nothing is reported for
// runs that were already replaced by a disconnect; the caller of that
// disconnect owns the notification.
func (s *Session) abortPrepare(id, reason string, err error) error {
	s.mu.Lock()
	current := s.id == id
	if current {
		s.resetLocked()
	}
	s.mu.Unlock()
	if !current || reason == "" {
		return err
	}
	s.prepareFailed(id, reason, err)
	return err
}

func (s *Session) prepareFailed(id, reason string, err error) {
	s.log.Warn("failed to prepare live", slog.String("session_id", id), slog.String("reason", reason), slog.Any("err", err))
	telemetry.IncPrepareFailure(reason)
	s.emit(Event{Kind: EventPrepareFailed, SessionID: id, Reason: reason})
}

// resetLocked returns to Idle. Must be called with mu held.
func (s *Session) resetLocked() {
	s.state = Idle{}
	s.id = ""
	s.cancel = nil
	s.lastHeartbeat = nil
	s.recent = nil
	s.usernames.Reset()
}

// Disconnect closes every listener, stops the heartbeat, reports
// EventListeningFinished and returns to Idle. It is idempotent and safe from
// event handlers; an idle session reports nothing.
func (s *Session) Disconnect() {
	s.mu.Lock()
	var (
		listeners []*chat.Listener
		cancel    = s.cancel
		id        = s.id
		wasActive bool
	)
	switch st := s.state.(type) {
	case Idle:
		s.mu.Unlock()
		return
	case *Listening:
		listeners = st.listeners
		wasActive = true
	}
	s.resetLocked()
	s.mu.Unlock()

	s.heartbeat.Stop()
	for _, l := range listeners {
		if l != nil {
			l.Close()
		}
	}
	if cancel != nil {
		cancel()
	}
	telemetry.SetRoomsOpen(0)
	telemetry.SetListening(false)

	if wasActive {
		s.log.Info("finished listening", slog.String("session_id", id))
		s.emit(Event{Kind: EventListeningFinished, SessionID: id})
	} else {
		s.log.Info("connect cancelled", slog.String("session_id", id))
		s.emit(Event{Kind: EventPrepareFailed, SessionID: id, Reason: "connect cancelled"})
	}
}

// newListenerLocked creates the listener of slot i. Must be called with mu
// held; the caller opens it after unlocking.
func (s *Session) newListenerLocked(st *Listening, i int) *chat.Listener {
	l := chat.NewListener(st.Servers[i], s.dialer, s, chat.ListenerOptions{ResFrom: s.resFrom})
	st.listeners[i] = l
	return l
}

// listeningFor returns the state and slot of l, or nil for stale listeners.
// Must be called with mu held.
func (s *Session) listeningFor(l *chat.Listener) (*Listening, int) {
	st, ok := s.state.(*Listening)
	if !ok {
		return nil, -1
	}
	i := st.indexOf(l)
	if i < 0 {
		return nil, -1
	}
	return st, i
}

// OnJoined implements chat.ListenerHandler.
func (s *Session) OnJoined(l *chat.Listener, th chat.ThreadFrame) {
	s.mu.Lock()
	st, _ := s.listeningFor(l)
	id := s.id
	s.mu.Unlock()
	if st == nil {
		return
	}
	room := l.Room()
	s.log.Info("started listening", slog.String("room", room.String()), slog.Int64("thread", th.Thread), slog.Int64("last_res", th.LastRes))
	s.emit(Event{Kind: EventListeningStarted, SessionID: id, Room: &room})
}

// OnChat implements chat.ListenerHandler.
func (s *Session) OnChat(l *chat.Listener, c live.Chat) {
	s.mu.Lock()
	st, i := s.listeningFor(l)
	if st == nil {
		s.mu.Unlock()
		return
	}
	id := s.id
	s.chatCount.Add(1)
	s.recent = append(s.recent, c)
	if len(s.recent) > recentChatLimit {
		s.recent = s.recent[len(s.recent)-recentChatLimit:]
	}

	var next *chat.Listener
	first := false
	if opensNextRoom(c) && !st.firstChat[c.Room] {
		st.firstChat[c.Room] = true
		first = true
		if j := i + 1; j < len(st.Servers) && st.listeners[j] == nil {
			next = s.newListenerLocked(st, j)
		}
	}
	kicked := isKickOut(c, st.Assigned.Position, st.User)
	remote := isRemoteDisconnect(c)
	lctx, open := st.ctx, st.openCount()
	s.mu.Unlock()

	telemetry.IncChat(c.Room.String(), c.Premium.String())
	if next != nil {
		s.log.Info("opening next room", slog.String("room", next.Room().String()), slog.String("server", next.Server().HostPort()))
		telemetry.SetRoomsOpen(open)
		next.Open(lctx)
	}
	if first {
		s.emit(Event{Kind: EventFirstChat, SessionID: id, Chat: &c})
	}
	s.emit(Event{Kind: EventChat, SessionID: id, Chat: &c})

	switch {
	case kicked:
		s.log.Warn("kicked out", slog.String("room", c.Room.String()), slog.String("comment", c.Comment))
		telemetry.IncKickOut()
		s.emit(Event{Kind: EventKickedOut, SessionID: id})
		s.Disconnect()
	case remote:
		s.log.Info("broadcast sent disconnect", slog.String("room", c.Room.String()))
		telemetry.IncRemoteDisconnect()
		s.Disconnect()
	}
}

// OnChatResult implements chat.ListenerHandler.
func (s *Session) OnChatResult(l *chat.Listener, r live.ChatResult) {
	s.mu.Lock()
	st, _ := s.listeningFor(l)
	id := s.id
	s.mu.Unlock()
	if st == nil {
		return
	}
	telemetry.IncCommentPosted(r.Status.String())
	s.emit(Event{Kind: EventChatResult, SessionID: id, Result: &r})
}

// OnError implements chat.ListenerHandler. Rooms are not reopened.
func (s *Session) OnError(l *chat.Listener, err error) {
	s.mu.Lock()
	st, _ := s.listeningFor(l)
	id := s.id
	s.mu.Unlock()
	if st == nil {
		return
	}
	room := l.Room()
	s.log.Warn("room connection failed", slog.String("room", room.String()), slog.Any("err", err))
	s.emit(Event{Kind: EventRoomFailed, SessionID: id, Room: &room, Reason: err.Error()})
}

func (s *Session) heartbeatTick(ctx context.Context) (time.Duration, bool) {
	s.mu.Lock()
	st, ok := s.state.(*Listening)
	id := s.id
	s.mu.Unlock()
	if !ok || st.Live.ID == "" {
		return 0, false
	}

	hb, err := s.api.Heartbeat(ctx, st.Live.ID)
	if err != nil {
		if ctx.Err() == nil {
			telemetry.IncHeartbeat("error")
			s.log.Warn("heartbeat failed", slog.String("live_id", st.Live.ID), slog.Any("err", err))
		}
		return 0, false
	}

	s.mu.Lock()
	if s.id != id {
		s.mu.Unlock()
		return 0, false
	}
	s.lastHeartbeat = &heartbeatRecord{at: s.clock.Now(), hb: hb}
	s.mu.Unlock()

	if hb.OK {
		telemetry.IncHeartbeat("ok")
		telemetry.SetHeartbeatCounts(hb.WatchCount, hb.CommentCount)
	} else {
		telemetry.IncHeartbeat("fail")
		s.log.Warn("heartbeat returned error", slog.String("code", hb.ErrorCode))
	}
	s.emit(Event{Kind: EventHeartbeat, SessionID: id, Heartbeat: &hb})

	if hb.WaitTime != nil && *hb.WaitTime > 0 {
		next := time.Duration(*hb.WaitTime) * time.Second
		telemetry.SetHeartbeatInterval(next)
		return next, true
	}
	return 0, false
}

// Comment posts text into the assigned room. The outcome arrives later as
// EventChatResult.
func (s *Session) Comment(ctx context.Context, text string, anonymous bool) error {
	s.mu.Lock()
	st, ok := s.state.(*Listening)
	var l *chat.Listener
	if ok {
		l = st.assigned()
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotListening
	}
	if l == nil {
		return ErrRoomNotOpen
	}

	ctx, span := telemetry.StartSpan(ctx, "session", "comment", telemetry.RoomAttrs(st.Live.ID, l.Room().String(), l.Server().Thread)...)
	defer span.End()

	key, err := s.api.GetPostKey(ctx, l.Server().Thread, live.BlockNo(l.LastRes()))
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("get post key: %w", err)
	}
	if err := l.Comment(st.Live, st.User, key, text, anonymous); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("post comment: %w", err)
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

// FindChat returns a recently received chat of room by number.
func (s *Session) FindChat(room live.RoomPosition, no int64) (live.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.recent) - 1; i >= 0; i-- {
		if c := s.recent[i]; c.Room == room && c.No == no {
			return c, nil
		}
	}
	return live.Chat{}, ErrChatNotFound
}

// ReportNG reports the author of c.
func (s *Session) ReportNG(ctx context.Context, c live.Chat) error {
	s.mu.Lock()
	st, ok := s.state.(*Listening)
	s.mu.Unlock()
	if !ok {
		return ErrNotListening
	}
	thread := c.Thread
	for _, srv := range st.Servers {
		if srv.Position == c.Room {
			thread = srv.Thread
		}
	}
	err := s.api.ReportNG(ctx, nicoapi.NGReport{
		LiveID:   st.Live.ID,
		UserID:   c.UserID,
		Thread:   thread,
		No:       c.No,
		Date:     c.Date,
		DateUsec: c.DateUsec,
	})
	if err != nil {
		return fmt.Errorf("report ng user %s: %w", c.UserID, err)
	}
	s.log.Info("reported ng user", slog.String("user_id", c.UserID), slog.Int64("no", c.No))
	return nil
}

// CachedUsername returns the cached name of a raw user id.
func (s *Session) CachedUsername(id string) (string, bool) {
	if !live.IsRawUserID(id) {
		return "", false
	}
	return s.usernames.Get(id)
}

// ResolveUsername returns the display name of id, looking it up on a cache
// miss. Anonymous ids return ErrNotResolvable.
func (s *Session) ResolveUsername(ctx context.Context, id string) (string, error) {
	if !live.IsRawUserID(id) {
		return "", ErrNotResolvable
	}
	if name, ok := s.usernames.Get(id); ok {
		return name, nil
	}
	name, err := s.api.ResolveUsername(ctx, id)
	if err != nil {
		return "", fmt.Errorf("resolve username %s: %w", id, err)
	}
	s.usernames.Set(id, name)
	return name, nil
}

// LoadThumbnail downloads the community thumbnail of the current broadcast.
func (s *Session) LoadThumbnail(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	st, ok := s.state.(*Listening)
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotListening
	}
	if st.Live.Community.ThumbnailURL == "" {
		return nil, fmt.Errorf("community %s has no thumbnail", st.Live.Community.ID)
	}
	return s.api.FetchThumbnail(ctx, st.Live.Community.ThumbnailURL)
}
