package live

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RoomPosition identifies a room of a broadcast. Arena is the primary room and
// the stand rooms follow in order.
type RoomPosition int

const (
	Arena RoomPosition = iota
	StandA
	StandB
	StandC
	StandD
	StandE
	StandF
	StandG
)

var roomLabels = [...]string{"arena", "stand_a", "stand_b", "stand_c", "stand_d", "stand_e", "stand_f", "stand_g"}

func (p RoomPosition) String() string {
	if !p.Valid() {
		return fmt.Sprintf("room(%d)", int(p))
	}
	return roomLabels[p]
}

// MarshalText encodes the room by name.
func (p RoomPosition) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Valid reports whether p is one of the known rooms.
func (p RoomPosition) Valid() bool { return p >= Arena && p <= StandG }

// ParseRoomPosition is the inverse of String. It also accepts "a".."g" for
// the stand rooms.
func ParseRoomPosition(s string) (RoomPosition, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, l := range roomLabels {
		if s == l {
			return RoomPosition(i), true
		}
	}
	if len(s) == 1 && s[0] >= 'a' && s[0] <= 'g' {
		return StandA + RoomPosition(s[0]-'a'), true
	}
	return Arena, false
}

// Next returns the following room, or false at StandG.
func (p RoomPosition) Next() (RoomPosition, bool) {
	if p < Arena || p >= StandG {
		return p, false
	}
	return p + 1, true
}

// Previous returns the preceding room, or false at Arena.
func (p RoomPosition) Previous() (RoomPosition, bool) {
	if p <= Arena || p > StandG {
		return p, false
	}
	return p - 1, true
}

// MessageServer is the connection target and thread of one room.
type MessageServer struct {
	Position RoomPosition
	Address  string
	Port     int
	Thread   int64
}

// HostPort returns "address:port".
func (s MessageServer) HostPort() string {
	return s.Address + ":" + strconv.Itoa(s.Port)
}

func (s MessageServer) String() string {
	return fmt.Sprintf("%s %s thread=%d", s.Position, s.HostPort(), s.Thread)
}

// NeighborFunc derives the server of the adjacent room. direction is +1 for
// the next room and -1 for the previous one. It returns false when no such
// room exists.
type NeighborFunc func(s MessageServer, direction int) (MessageServer, bool)

// Next derives the following room's server with the platform rule.
func (s MessageServer) Next() (MessageServer, bool) { return PlatformNeighbor(s, 1) }

// Previous derives the preceding room's server with the platform rule.
func (s MessageServer) Previous() (MessageServer, bool) { return PlatformNeighbor(s, -1) }

const (
	serverNumberFirst = 101
	serverNumberLast  = 104

	userPortFirst    = 2805
	userPortLast     = 2814
	channelPortFirst = 2815
	channelPortLast  = 2817
)

var serverHostPattern = regexp.MustCompile(`^msg(\d+)\.(.+)$`)

// PlatformNeighbor is the stand room rule of the classic comment servers:
// the thread moves by one, the port cycles inside the user (2805-2814) or
// channel (2815-2817) range, and each wrap of the port moves the msgNNN host
// inside 101-104. Addresses that are not msgNNN hosts keep their address.
func PlatformNeighbor(s MessageServer, direction int) (MessageServer, bool) {
	var pos RoomPosition
	var ok bool
	switch direction {
	case 1:
		pos, ok = s.Position.Next()
	case -1:
		pos, ok = s.Position.Previous()
	}
	if !ok {
		return s, false
	}

	first, last := userPortFirst, userPortLast
	if s.Port >= channelPortFirst && s.Port <= channelPortLast {
		first, last = channelPortFirst, channelPortLast
	}

	out := s
	out.Position = pos
	out.Thread = s.Thread + int64(direction)

	wrapped := false
	switch {
	case s.Port < first || s.Port > last:
		// unknown range, keep the port
	case direction == 1 && s.Port == last:
		out.Port = first
		wrapped = true
	case direction == -1 && s.Port == first:
		out.Port = last
		wrapped = true
	default:
		out.Port = s.Port + direction
	}

	if wrapped {
		if m := serverHostPattern.FindStringSubmatch(s.Address); m != nil {
			n, _ := strconv.Atoi(m[1])
			n += direction
			if n > serverNumberLast {
				n = serverNumberFirst
			}
			if n < serverNumberFirst {
				n = serverNumberLast
			}
			out.Address = fmt.Sprintf("msg%d.%s", n, m[2])
		}
	}
	return out, true
}

type standRange struct{ min, max, count int }

// standRooms maps a user community level to its number of stand rooms.
var standRooms = []standRange{
	{1, 65, 1},
	{66, 69, 2},
	{70, 104, 3},
	{105, 149, 4},
	{150, 189, 5},
	{190, 231, 6},
	{232, 999, 7},
}

const channelStandRooms = 5

// StandRoomCountForLevel returns the stand room count of a user community
// level, or 0 when the level is outside every range.
func StandRoomCountForLevel(level int) int {
	for _, r := range standRooms {
		if r.min <= level && level <= r.max {
			return r.count
		}
	}
	return 0
}

// StandRoomCount returns how many stand rooms the community's broadcasts get.
func StandRoomCount(c Community) int {
	if c.IsChannel() {
		return channelStandRooms
	}
	if c.Level == nil {
		return 0
	}
	return StandRoomCountForLevel(*c.Level)
}

// DeriveRoomServers expands the assigned server into the servers of every
// room of the broadcast, Arena first. A user community without a readable
// level only yields origin. A nil neighbor uses PlatformNeighbor.
func DeriveRoomServers(origin MessageServer, c Community, neighbor NeighborFunc) []MessageServer {
	if neighbor == nil {
		neighbor = PlatformNeighbor
	}
	if c.IsUser() && c.Level == nil {
		return []MessageServer{origin}
	}

	arena := origin
	for i := 0; i < int(origin.Position); i++ {
		prev, ok := neighbor(arena, -1)
		if !ok {
			break
		}
		arena = prev
	}

	count := StandRoomCount(c)
	servers := make([]MessageServer, 0, count+1)
	servers = append(servers, arena)
	cur := arena
	for i := 0; i < count; i++ {
		next, ok := neighbor(cur, 1)
		if !ok {
			break
		}
		servers = append(servers, next)
		cur = next
	}
	return servers
}

var standLabelPattern = regexp.MustCompile(`立ち見(\w)列`)

// PositionForRoomLabel maps the room label of a player status to a room.
// Community ids and "アリーナ" name the arena; "立ち見A列".."立ち見G列" the
// stand rooms.
func PositionForRoomLabel(label string) (RoomPosition, bool) {
	if userCommunityPattern.MatchString(label) || channelCommunityPattern.MatchString(label) || label == "アリーナ" {
		return Arena, true
	}
	m := standLabelPattern.FindStringSubmatch(label)
	if m == nil || len(m[1]) != 1 {
		return Arena, false
	}
	p := StandA + RoomPosition(m[1][0]-'A')
	if m[1][0] < 'A' || !p.Valid() {
		return Arena, false
	}
	return p, true
}
