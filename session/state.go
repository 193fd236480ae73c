package session

import (
	"context"

	"github.com/onnwee/roomwatch/chat"
	"github.com/onnwee/roomwatch/live"
)

// State is the session lifecycle. Exactly one of Idle, Resolving,
// LoadingCommunity or Listening. Broadcast and user data only exist in the
// states that have them.
type State interface {
	Name() string
	state()
}

// Idle: no broadcast.
type Idle struct{}

// Resolving: the player status call is in flight.
type Resolving struct {
	LiveNumber int64
}

// LoadingCommunity: player status is known, the community page is loading.
type LoadingCommunity struct {
	Live     live.Live
	User     live.User
	Assigned live.MessageServer
}

// Listening: room listeners are running.
type Listening struct {
	Live     live.Live
	User     live.User
	Assigned live.MessageServer
	Servers  []live.MessageServer

	ctx       context.Context
	listeners []*chat.Listener // parallel to Servers, nil until opened
	firstChat map[live.RoomPosition]bool
}

func (Idle) Name() string             { return "idle" }
func (Resolving) Name() string        { return "resolving" }
func (LoadingCommunity) Name() string { return "loading_community" }
func (Listening) Name() string        { return "listening" }

func (Idle) state()             {}
func (Resolving) state()        {}
func (LoadingCommunity) state() {}
func (Listening) state()        {}

// indexOf returns the slot of l, or -1 when l does not belong to this session.
func (s *Listening) indexOf(l *chat.Listener) int {
	for i, x := range s.listeners {
		if x == l {
			return i
		}
	}
	return -1
}

// assigned returns the listener of the assigned room, if open.
func (s *Listening) assigned() *chat.Listener {
	for i, srv := range s.Servers {
		if srv.Position == s.Assigned.Position {
			return s.listeners[i]
		}
	}
	return nil
}

func (s *Listening) openCount() int {
	n := 0
	for _, l := range s.listeners {
		if l != nil {
			n++
		}
	}
	return n
}
