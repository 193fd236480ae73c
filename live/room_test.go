package live

import (
	"testing"
)

func intPtr(n int) *int { return &n }

func TestStandRoomCountForLevel(t *testing.T) {
	tests := []struct {
		min, max int
		want     int
	}{
		{1, 65, 1},
		{66, 69, 2},
		{70, 104, 3},
		{105, 149, 4},
		{150, 189, 5},
		{190, 231, 6},
		{232, 999, 7},
	}
	for _, tt := range tests {
		for level := tt.min; level <= tt.max; level++ {
			if got := StandRoomCountForLevel(level); got != tt.want {
				t.Fatalf("StandRoomCountForLevel(%d) = %d, want %d", level, got, tt.want)
			}
		}
	}
	for _, level := range []int{-1, 0, 1000, 5000} {
		if got := StandRoomCountForLevel(level); got != 0 {
			t.Errorf("StandRoomCountForLevel(%d) = %d, want 0", level, got)
		}
	}
}

func TestRoomPositionBounds(t *testing.T) {
	if _, ok := Arena.Previous(); ok {
		t.Error("Arena.Previous should not exist")
	}
	if _, ok := StandG.Next(); ok {
		t.Error("StandG.Next should not exist")
	}
	if p, ok := StandA.Next(); !ok || p != StandB {
		t.Errorf("StandA.Next = %v,%v want StandB,true", p, ok)
	}
	if p, ok := StandA.Previous(); !ok || p != Arena {
		t.Errorf("StandA.Previous = %v,%v want Arena,true", p, ok)
	}
	if Arena.String() != "arena" || StandG.String() != "stand_g" {
		t.Errorf("unexpected labels %q %q", Arena, StandG)
	}
}

func TestPlatformNeighbor(t *testing.T) {
	tests := []struct {
		name      string
		in        MessageServer
		direction int
		want      MessageServer
		ok        bool
	}{
		{
			name:      "next inside port range",
			in:        MessageServer{Position: Arena, Address: "msg101.live.nicovideo.jp", Port: 2805, Thread: 1000},
			direction: 1,
			want:      MessageServer{Position: StandA, Address: "msg101.live.nicovideo.jp", Port: 2806, Thread: 1001},
			ok:        true,
		},
		{
			name:      "next wraps port and host",
			in:        MessageServer{Position: StandA, Address: "msg101.live.nicovideo.jp", Port: 2814, Thread: 1001},
			direction: 1,
			want:      MessageServer{Position: StandB, Address: "msg102.live.nicovideo.jp", Port: 2805, Thread: 1002},
			ok:        true,
		},
		{
			name:      "next wraps last host to first",
			in:        MessageServer{Position: Arena, Address: "msg104.live.nicovideo.jp", Port: 2814, Thread: 7},
			direction: 1,
			want:      MessageServer{Position: StandA, Address: "msg101.live.nicovideo.jp", Port: 2805, Thread: 8},
			ok:        true,
		},
		{
			name:      "previous wraps port and host",
			in:        MessageServer{Position: StandB, Address: "msg101.live.nicovideo.jp", Port: 2805, Thread: 50},
			direction: -1,
			want:      MessageServer{Position: StandA, Address: "msg104.live.nicovideo.jp", Port: 2814, Thread: 49},
			ok:        true,
		},
		{
			name:      "channel port range",
			in:        MessageServer{Position: Arena, Address: "msg103.live.nicovideo.jp", Port: 2817, Thread: 10},
			direction: 1,
			want:      MessageServer{Position: StandA, Address: "msg104.live.nicovideo.jp", Port: 2815, Thread: 11},
			ok:        true,
		},
		{
			name:      "no room before arena",
			in:        MessageServer{Position: Arena, Address: "msg101.live.nicovideo.jp", Port: 2805, Thread: 1},
			direction: -1,
			ok:        false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PlatformNeighbor(tt.in, tt.direction)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDeriveRoomServersUnreadableLevel(t *testing.T) {
	origin := MessageServer{Position: StandB, Address: "msg102.live.nicovideo.jp", Port: 2807, Thread: 300}
	got := DeriveRoomServers(origin, Community{ID: "co12345"}, nil)
	if len(got) != 1 || got[0] != origin {
		t.Fatalf("got %+v, want only origin", got)
	}
}

func TestDeriveRoomServersUnknownCommunityKind(t *testing.T) {
	origin := MessageServer{Position: StandB, Address: "msg102.live.nicovideo.jp", Port: 2807, Thread: 300}
	got := DeriveRoomServers(origin, Community{ID: "xx12345"}, nil)
	if len(got) != 1 || got[0].Position != Arena || got[0].Thread != 298 {
		t.Fatalf("got %+v, want only the arena server", got)
	}
}

func TestDeriveRoomServersChannel(t *testing.T) {
	origin := MessageServer{Position: StandA, Address: "msg101.live.nicovideo.jp", Port: 2816, Thread: 501}
	for _, level := range []*int{nil, intPtr(1), intPtr(500)} {
		got := DeriveRoomServers(origin, Community{ID: "ch2525", Level: level}, nil)
		if len(got) != 6 {
			t.Fatalf("channel derived %d servers, want 6", len(got))
		}
		if got[0].Thread != 500 || got[0].Port != 2815 {
			t.Errorf("arena = %+v", got[0])
		}
	}
}

func TestDeriveRoomServersOrdering(t *testing.T) {
	origin := MessageServer{Position: StandC, Address: "msg101.live.nicovideo.jp", Port: 2808, Thread: 1003}
	for level := 1; level <= 240; level += 7 {
		c := Community{ID: "co1", Level: intPtr(level)}
		got := DeriveRoomServers(origin, c, nil)
		if want := StandRoomCount(c) + 1; len(got) != want {
			t.Fatalf("level %d: len = %d, want %d", level, len(got), want)
		}
		for i, s := range got {
			if s.Position != RoomPosition(i) {
				t.Fatalf("level %d: servers[%d].Position = %v", level, i, s.Position)
			}
			if s.Thread != 1000+int64(i) {
				t.Fatalf("level %d: servers[%d].Thread = %d", level, i, s.Thread)
			}
		}
	}
}

func TestDeriveRoomServersCustomNeighbor(t *testing.T) {
	calls := 0
	neighbor := func(s MessageServer, d int) (MessageServer, bool) {
		calls++
		pos := s.Position + RoomPosition(d)
		if !pos.Valid() {
			return s, false
		}
		return MessageServer{Position: pos, Address: "room", Port: 9000 + int(pos), Thread: s.Thread + int64(10*d)}, true
	}
	origin := MessageServer{Position: StandA, Address: "room", Port: 9001, Thread: 110}
	got := DeriveRoomServers(origin, Community{ID: "co1", Level: intPtr(80)}, neighbor)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got[0].Thread != 100 || got[3].Port != 9003 {
		t.Errorf("unexpected servers %+v", got)
	}
	if calls != 4 {
		t.Errorf("neighbor called %d times, want 4", calls)
	}
}

func TestPositionForRoomLabel(t *testing.T) {
	tests := []struct {
		label string
		want  RoomPosition
		ok    bool
	}{
		{"co1234", Arena, true},
		{"ch99", Arena, true},
		{"アリーナ", Arena, true},
		{"立ち見A列", StandA, true},
		{"立ち見C列", StandC, true},
		{"立ち見G列", StandG, true},
		{"立ち見H列", Arena, false},
		{"", Arena, false},
		{"lobby", Arena, false},
	}
	for _, tt := range tests {
		got, ok := PositionForRoomLabel(tt.label)
		if got != tt.want || ok != tt.ok {
			t.Errorf("PositionForRoomLabel(%q) = %v,%v want %v,%v", tt.label, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseRoomPosition(t *testing.T) {
	tests := []struct {
		in   string
		want RoomPosition
		ok   bool
	}{
		{"arena", Arena, true},
		{" Stand_C ", StandC, true},
		{"g", StandG, true},
		{"h", Arena, false},
		{"room(9)", Arena, false},
		{"", Arena, false},
	}
	for _, tt := range tests {
		got, ok := ParseRoomPosition(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseRoomPosition(%q) = %v,%v; want %v,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
	for p := Arena; p <= StandG; p++ {
		if got, ok := ParseRoomPosition(p.String()); !ok || got != p {
			t.Errorf("round trip of %v = %v,%v", p, got, ok)
		}
	}
}
