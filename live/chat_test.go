package live

import "testing"

func TestBlockNo(t *testing.T) {
	tests := []struct{ lastRes, want int64 }{
		{0, 0},
		{98, 0},
		{99, 1},
		{100, 1},
		{199, 2},
		{1234, 12},
	}
	for _, tt := range tests {
		if got := BlockNo(tt.lastRes); got != tt.want {
			t.Errorf("BlockNo(%d) = %d, want %d", tt.lastRes, got, tt.want)
		}
	}
}

func TestSeatDirective(t *testing.T) {
	tests := []struct {
		comment string
		seat    int
		ok      bool
	}{
		{"/hb ifseetno 12", 12, true},
		{"/hb ifseetno 345 something", 345, true},
		{"prefix /hb ifseetno 7", 7, true},
		{"/hb ifseetno", 0, false},
		{"/hb ifseetno abc", 0, false},
		{"hello", 0, false},
	}
	for _, tt := range tests {
		seat, ok := SeatDirective(tt.comment)
		if ok != tt.ok || seat != tt.seat {
			t.Errorf("SeatDirective(%q) = %d,%v want %d,%v", tt.comment, seat, ok, tt.seat, tt.ok)
		}
	}
}

func TestIsDisconnectCommand(t *testing.T) {
	if !IsDisconnectCommand("/disconnect") {
		t.Error("exact command should match")
	}
	for _, s := range []string{"/disconnect ", " /disconnect", "/DISCONNECT", "/disconnected", ""} {
		if IsDisconnectCommand(s) {
			t.Errorf("IsDisconnectCommand(%q) = true", s)
		}
	}
}

func TestChatResultStatusLabels(t *testing.T) {
	want := map[ChatResultStatus]string{
		ChatResultSuccess:        "Success",
		ChatResultFailure:        "Failure",
		ChatResultInvalidThread:  "InvalidThread",
		ChatResultInvalidTicket:  "InvalidTicket",
		ChatResultInvalidPostkey: "InvalidPostkey",
		ChatResultLocked:         "Locked",
		ChatResultReadOnly:       "ReadOnly",
		ChatResultTooLong:        "TooLong",
	}
	for s, label := range want {
		if s.String() != label {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), label)
		}
	}
	if ChatResultTooLong != 7 {
		t.Errorf("TooLong = %d, want 7", ChatResultTooLong)
	}
}

func TestParseLiveNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"lv200000123", 200000123, false},
		{"12345", 12345, false},
		{"http://live.nicovideo.jp/watch/lv12345?ref=top", 12345, false},
		{"https://live.nicovideo.jp/watch/lv98765", 98765, false},
		{"http://live.nicovideo.jp/watch/lv12", 0, true},
		{"co123", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLiveNumber(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLiveNumber(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLiveNumber(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestIsRawUserID(t *testing.T) {
	if !IsRawUserID("123456") {
		t.Error("numeric id should be raw")
	}
	for _, id := range []string{"", "abc", "12a", "aNbYxYz-84hd"} {
		if IsRawUserID(id) {
			t.Errorf("IsRawUserID(%q) = true", id)
		}
	}
}

func TestCommunityKinds(t *testing.T) {
	if c := (Community{ID: "co1234"}); !c.IsUser() || c.IsChannel() {
		t.Errorf("co1234 kinds wrong")
	}
	if c := (Community{ID: "ch99"}); c.IsUser() || !c.IsChannel() {
		t.Errorf("ch99 kinds wrong")
	}
	if (Live{ID: "lv1"}).URL() != "http://live.nicovideo.jp/watch/lv1" {
		t.Error("unexpected watch url")
	}
}
