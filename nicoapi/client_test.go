package nicoapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/roomwatch/credential"
	"github.com/onnwee/roomwatch/live"
	"github.com/onnwee/roomwatch/testutil"
)

func newTestClient(m *testutil.MockNicoServer) *Client {
	return &Client{
		Credentials: credential.Static("sess-token"),
		HTTPClient:  m.Client(),
		Endpoints: Endpoints{
			Watch:     m.URL,
			Live:      m.URL,
			Community: m.URL,
			Channel:   m.URL,
			User:      m.URL,
		},
	}
}

func TestRequestsCarryCookieAndUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		c, err := r.Cookie("user_session")
		if err != nil || c.Value != "sess-token" {
			t.Errorf("missing session cookie: %v", err)
		}
		_, _ = w.Write([]byte("postkey=abc"))
	}))
	defer srv.Close()

	c := &Client{Credentials: credential.Static("sess-token"), Endpoints: Endpoints{Live: srv.URL}}
	if _, err := c.GetPostKey(context.Background(), 1, 0); err != nil {
		t.Fatal(err)
	}
	if gotUA != DefaultUserAgent {
		t.Errorf("User-Agent = %q", gotUA)
	}
}

func TestMissingCredentialFailsBeforeRequest(t *testing.T) {
	m := testutil.NewMockNicoServer(t)
	c := newTestClient(m)
	c.Credentials = credential.Static("")

	_, err := c.GetPlayerStatus(context.Background(), 1)
	if got := Reason(err, ""); got != ReasonNoCredential {
		t.Fatalf("reason = %q, want %q", got, ReasonNoCredential)
	}
	if !errors.Is(err, credential.ErrUnavailable) {
		t.Errorf("err %v does not wrap ErrUnavailable", err)
	}
	if m.Hits("/api/getplayerstatus") != 0 {
		t.Error("request sent without credential")
	}
}

func TestGetPlayerStatus(t *testing.T) {
	m := testutil.NewMockNicoServer(t)
	ps := testutil.PlayerStatusFor(live.MessageServer{Address: "msg102.live.nicovideo.jp", Port: 2806, Thread: 1234}, "co555", "立ち見B列", 37)
	ps.Premium = true
	m.MockPlayerStatus(ps)

	got, err := newTestClient(m).GetPlayerStatus(context.Background(), 100)
	if err != nil {
		t.Fatalf("GetPlayerStatus: %v", err)
	}
	if got.Live.ID != "lv100" || got.Live.Community.ID != "co555" {
		t.Errorf("live = %+v", got.Live)
	}
	if !got.Live.BaseTime.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("base time = %v", got.Live.BaseTime)
	}
	if got.User.ID != "9001" || !got.User.IsPremium || got.User.SeatNo != 37 {
		t.Errorf("user = %+v", got.User)
	}
	want := live.MessageServer{Position: live.StandB, Address: "msg102.live.nicovideo.jp", Port: 2806, Thread: 1234}
	if got.Server != want {
		t.Errorf("server = %+v, want %+v", got.Server, want)
	}
	if cookies := m.Cookies(); len(cookies) != 1 || cookies[0] != "sess-token" {
		t.Errorf("cookies = %v", cookies)
	}
}

func TestGetPlayerStatusSeat(t *testing.T) {
	tests := []struct {
		name string
		seat string
		want int
	}{
		{"reported", "<room_seetno>0</room_seetno>", 0},
		{"missing", "", live.NoSeat},
		{"empty", "<room_seetno></room_seetno>", live.NoSeat},
		{"garbage", "<room_seetno>x</room_seetno>", live.NoSeat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testutil.NewMockNicoServer(t)
			m.Handle("/api/getplayerstatus", func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<getplayerstatus status="ok">
<stream><id>lv100</id><default_community>co1</default_community><base_time>1700000000</base_time></stream>
<user><user_id>9001</user_id><room_label>co1</room_label>` + tt.seat + `</user>
<ms><addr>msg101.live.nicovideo.jp</addr><port>2805</port><thread>1000</thread></ms>
</getplayerstatus>`))
			})
			got, err := newTestClient(m).GetPlayerStatus(context.Background(), 100)
			if err != nil {
				t.Fatalf("GetPlayerStatus: %v", err)
			}
			if got.User.SeatNo != tt.want {
				t.Errorf("seat = %d, want %d", got.User.SeatNo, tt.want)
			}
			if got.User.HasSeat() != (tt.want != live.NoSeat) {
				t.Errorf("HasSeat = %v", got.User.HasSeat())
			}
		})
	}
}

func TestGetPlayerStatusFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(m *testutil.MockNicoServer)
		wantReason string
	}{
		{
			name:       "platform error code",
			setup:      func(m *testutil.MockNicoServer) { m.MockPlayerStatusFailure("closed") },
			wantReason: "closed",
		},
		{
			name: "not xml",
			setup: func(m *testutil.MockNicoServer) {
				m.Handle("/api/getplayerstatus", func(w http.ResponseWriter, r *http.Request) {
					_, _ = w.Write([]byte("<html>maintenance"))
				})
			},
			wantReason: ReasonUnpack,
		},
		{
			name: "unknown room label",
			setup: func(m *testutil.MockNicoServer) {
				m.MockPlayerStatus(testutil.PlayerStatusFor(live.MessageServer{Address: "h", Port: 1, Thread: 1}, "co1", "ロビー", 1))
			},
			wantReason: ReasonExtract,
		},
		{
			name:       "http error",
			setup:      func(m *testutil.MockNicoServer) {},
			wantReason: ReasonRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testutil.NewMockNicoServer(t)
			tt.setup(m)
			_, err := newTestClient(m).GetPlayerStatus(context.Background(), 1)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := Reason(err, ""); got != tt.wantReason {
				t.Errorf("reason = %q, want %q (err %v)", got, tt.wantReason, err)
			}
		})
	}
}

func TestLoadCommunity(t *testing.T) {
	m := testutil.NewMockNicoServer(t)
	m.MockCommunity("co1", "Test & Community", 80, "http://icon.example/co1.jpg")
	m.MockChannel("ch2", "Some Channel", "http://icon.example/ch2.jpg")
	c := newTestClient(m)
	ctx := context.Background()

	co, err := c.LoadCommunity(ctx, live.Community{ID: "co1"})
	if err != nil {
		t.Fatalf("user community: %v", err)
	}
	if co.Title != "Test & Community" || co.Level == nil || *co.Level != 80 || co.ThumbnailURL != "http://icon.example/co1.jpg" {
		t.Errorf("community = %+v", co)
	}

	ch, err := c.LoadCommunity(ctx, live.Community{ID: "ch2"})
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	if ch.Title != "Some Channel" || ch.Level != nil || ch.ThumbnailURL != "http://icon.example/ch2.jpg" {
		t.Errorf("channel = %+v", ch)
	}

	if _, err := c.LoadCommunity(ctx, live.Community{ID: "co404"}); Reason(err, "") != ReasonCommunity {
		t.Errorf("missing page err = %v", err)
	}
	if _, err := c.LoadCommunity(ctx, live.Community{ID: "xx1"}); Reason(err, "") != ReasonCommunity {
		t.Errorf("bad id err = %v", err)
	}
}

func TestLoadCommunityEmptyPage(t *testing.T) {
	m := testutil.NewMockNicoServer(t)
	empty := func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><p>community unavailable</p></body></html>`))
	}
	m.Handle("/community/co1", empty)
	m.Handle("/ch2", empty)
	c := newTestClient(m)

	for _, id := range []string{"co1", "ch2"} {
		got, err := c.LoadCommunity(context.Background(), live.Community{ID: id})
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
		if got.ID != id || got.Title != "" || got.Level != nil || got.ThumbnailURL != "" {
			t.Errorf("%s: community = %+v", id, got)
		}
	}
}

func TestGetPostKey(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr error
	}{
		{"key", "postkey=AbC.123", "AbC.123", nil},
		{"trailing newline", "postkey=k\n", "k", nil},
		{"empty key", "postkey=", "", ErrNoPostKey},
		{"garbage", "ng", "", ErrNoPostKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testutil.NewMockNicoServer(t)
			m.Handle("/api/getpostkey", func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("thread") != "42" || r.URL.Query().Get("block_no") != "3" {
					t.Errorf("query = %s", r.URL.RawQuery)
				}
				_, _ = w.Write([]byte(tt.body))
			})
			got, err := newTestClient(m).GetPostKey(context.Background(), 42, 3)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("key = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHeartbeat(t *testing.T) {
	m := testutil.NewMockNicoServer(t)
	m.MockHeartbeat(120, 45, 90)
	hb, err := newTestClient(m).Heartbeat(context.Background(), "lv100")
	if err != nil {
		t.Fatal(err)
	}
	if !hb.OK || hb.WatchCount != 120 || hb.CommentCount != 45 || hb.Ticket != "hb-ticket" {
		t.Errorf("heartbeat = %+v", hb)
	}
	if hb.WaitTime == nil || *hb.WaitTime != 90 {
		t.Errorf("wait time = %v", hb.WaitTime)
	}

	m.MockHeartbeat(1, 1, 0)
	hb, err = newTestClient(m).Heartbeat(context.Background(), "lv100")
	if err != nil || hb.WaitTime != nil {
		t.Errorf("absent waitTime parsed as %v (err %v)", hb.WaitTime, err)
	}
}

func TestParseHeartbeatFailure(t *testing.T) {
	hb, err := ParseHeartbeat([]byte(`<heartbeat status="fail"><error><code>NOTFOUND_SLOT</code></error></heartbeat>`))
	if err != nil {
		t.Fatal(err)
	}
	if hb.OK || hb.ErrorCode != "NOTFOUND_SLOT" {
		t.Errorf("heartbeat = %+v", hb)
	}
	if _, err := ParseHeartbeat([]byte("nope")); Reason(err, "") != ReasonUnpack {
		t.Errorf("garbage err = %v", err)
	}
}

func TestReportNG(t *testing.T) {
	m := testutil.NewMockNicoServer(t)
	var got url.Values
	m.MockNGScoring(func(v url.Values) { got = v })

	err := newTestClient(m).ReportNG(context.Background(), NGReport{
		LiveID: "lv100", UserID: "777", Thread: 1234, No: 56,
		Date: time.Unix(1_700_000_123, 0), DateUsec: 4500,
	})
	if err != nil {
		t.Fatalf("ReportNG: %v", err)
	}
	want := map[string]string{
		"vid": "lv100", "lang": "ja-jp", "type": "ID", "locale": "GLOBAL", "value": "777",
		"player": "v4", "uid": "777", "tpos": "1700000123.4500", "comment": "56",
		"thread": "1234", "comment_locale": "ja-jp",
	}
	for k, v := range want {
		if got.Get(k) != v {
			t.Errorf("form %s = %q, want %q", k, got.Get(k), v)
		}
	}
	if len(got) != len(want) {
		t.Errorf("form has %d fields, want %d", len(got), len(want))
	}
}

func TestResolveUsername(t *testing.T) {
	m := testutil.NewMockNicoServer(t)
	m.MockUser("123", "Alice")
	m.Handle("/user/456", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><meta property="og:title" content="Bobさんのユーザーページ"></head></html>`))
	})
	m.Handle("/user/789", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>nothing</title></head></html>`))
	})
	c := newTestClient(m)
	ctx := context.Background()

	if name, err := c.ResolveUsername(ctx, "123"); err != nil || name != "Alice" {
		t.Errorf("profile meta = %q,%v", name, err)
	}
	if name, err := c.ResolveUsername(ctx, "456"); err != nil || name != "Bob" {
		t.Errorf("og:title = %q,%v", name, err)
	}
	if _, err := c.ResolveUsername(ctx, "789"); !errors.Is(err, ErrUsernameNotFound) {
		t.Errorf("no name err = %v", err)
	}
	if _, err := c.ResolveUsername(ctx, "a:hashed"); !errors.Is(err, ErrUsernameNotFound) {
		t.Errorf("hashed id err = %v", err)
	}
	if m.Hits("/user/a:hashed") != 0 {
		t.Error("hashed id looked up")
	}
}

func TestFetchThumbnail(t *testing.T) {
	m := testutil.NewMockNicoServer(t)
	m.Handle("/icon.jpg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("\xff\xd8jpeg"))
	})
	b, err := newTestClient(m).FetchThumbnail(context.Background(), m.URL+"/icon.jpg")
	if err != nil || !strings.HasPrefix(string(b), "\xff\xd8") {
		t.Errorf("thumbnail = %q,%v", b, err)
	}
}
