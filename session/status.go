package session

import (
	"time"

	"github.com/samber/lo"

	"github.com/onnwee/roomwatch/chat"
	"github.com/onnwee/roomwatch/live"
)

// RoomStatus describes one derived room.
type RoomStatus struct {
	Room      string `json:"room"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Thread    int64  `json:"thread"`
	Open      bool   `json:"open"`
	Joined    bool   `json:"joined"`
	FirstChat bool   `json:"first_chat"`
	LastRes   int64  `json:"last_res"`
}

// HeartbeatStatus is the last heartbeat answer.
type HeartbeatStatus struct {
	At           time.Time `json:"at"`
	OK           bool      `json:"ok"`
	ErrorCode    string    `json:"error_code,omitempty"`
	WatchCount   int       `json:"watch_count"`
	CommentCount int       `json:"comment_count"`
}

// Status is a point-in-time snapshot for reporting. It never carries the
// session token.
type Status struct {
	State             string           `json:"state"`
	SessionID         string           `json:"session_id,omitempty"`
	LiveID            string           `json:"live_id,omitempty"`
	Title             string           `json:"title,omitempty"`
	Community         string           `json:"community,omitempty"`
	CommunityTitle    string           `json:"community_title,omitempty"`
	CommunityLevel    *int             `json:"community_level,omitempty"`
	UserID            string           `json:"user_id,omitempty"`
	Nickname          string           `json:"nickname,omitempty"`
	Premium           bool             `json:"premium,omitempty"`
	SeatNo            *int             `json:"seat_no,omitempty"`
	AssignedRoom      string           `json:"assigned_room,omitempty"`
	Rooms             []RoomStatus     `json:"rooms,omitempty"`
	OpenRooms         []string         `json:"open_rooms"`
	ListeningSince    *time.Time       `json:"listening_since,omitempty"`
	LastHeartbeat     *HeartbeatStatus `json:"last_heartbeat,omitempty"`
	HeartbeatInterval string           `json:"heartbeat_interval,omitempty"`
	ChatCount         int64            `json:"chat_count"`
	CachedUsernames   int              `json:"cached_usernames"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Status{
		State:           s.state.Name(),
		SessionID:       s.id,
		OpenRooms:       []string{},
		ChatCount:       s.chatCount.Load(),
		CachedUsernames: s.usernames.Len(),
	}
	switch st := s.state.(type) {
	case LoadingCommunity:
		out.LiveID = st.Live.ID
		out.Title = st.Live.Title
		out.Community = st.Live.Community.ID
		out.AssignedRoom = st.Assigned.Position.String()
	case *Listening:
		fillListening(&out, st)
		since := s.startedAt
		out.ListeningSince = &since
		out.HeartbeatInterval = s.heartbeat.Interval().String()
	}
	if hb := s.lastHeartbeat; hb != nil {
		out.LastHeartbeat = &HeartbeatStatus{
			At:           hb.at,
			OK:           hb.hb.OK,
			ErrorCode:    hb.hb.ErrorCode,
			WatchCount:   hb.hb.WatchCount,
			CommentCount: hb.hb.CommentCount,
		}
	}
	return out
}

func fillListening(out *Status, st *Listening) {
	out.LiveID = st.Live.ID
	out.Title = st.Live.Title
	out.Community = st.Live.Community.ID
	out.CommunityTitle = st.Live.Community.Title
	out.CommunityLevel = st.Live.Community.Level
	out.UserID = st.User.ID
	out.Nickname = st.User.Nickname
	out.Premium = st.User.IsPremium
	if st.User.HasSeat() {
		seat := st.User.SeatNo
		out.SeatNo = &seat
	}
	out.AssignedRoom = st.Assigned.Position.String()

	out.Rooms = lo.Map(st.Servers, func(srv live.MessageServer, i int) RoomStatus {
		rs := RoomStatus{
			Room:      srv.Position.String(),
			Address:   srv.Address,
			Port:      srv.Port,
			Thread:    srv.Thread,
			FirstChat: st.firstChat[srv.Position],
		}
		if l := st.listeners[i]; l != nil {
			rs.Open = true
			rs.Joined = l.Joined()
			rs.LastRes = l.LastRes()
		}
		return rs
	})
	out.OpenRooms = lo.FilterMap(st.listeners, func(l *chat.Listener, _ int) (string, bool) {
		if l == nil {
			return "", false
		}
		return l.Room().String(), true
	})
}
