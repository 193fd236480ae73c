package testutil

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/onnwee/roomwatch/live"
)

// MockNicoServer serves every platform host from one httptest server.
// Handlers are keyed by request path.
type MockNicoServer struct {
	*httptest.Server

	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	hits     map[string]int
	cookies  []string
}

// NewMockNicoServer starts a mock platform server closed at test cleanup.
func NewMockNicoServer(t *testing.T) *MockNicoServer {
	t.Helper()
	m := &MockNicoServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		if c, err := r.Cookie("user_session"); err == nil {
			m.cookies = append(m.cookies, c.Value)
		}
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers h for path.
func (m *MockNicoServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// Hits returns how many requests reached path.
func (m *MockNicoServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// Cookies returns the user_session values seen so far.
func (m *MockNicoServer) Cookies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cookies...)
}

// PlayerStatus describes a successful getplayerstatus answer.
type PlayerStatus struct {
	LiveID    string
	Title     string
	Community string
	BaseTime  int64
	UserID    string
	Nickname  string
	Premium   bool
	RoomLabel string
	SeatNo    int
	Addr      string
	Port      int
	Thread    int64
}

// PlayerStatusFor builds a PlayerStatus that points at room server srv.
func PlayerStatusFor(srv live.MessageServer, community, roomLabel string, seat int) PlayerStatus {
	return PlayerStatus{
		LiveID:    "lv100",
		Title:     "test broadcast",
		Community: community,
		BaseTime:  1_700_000_000,
		UserID:    "9001",
		Nickname:  "viewer",
		RoomLabel: roomLabel,
		SeatNo:    seat,
		Addr:      srv.Address,
		Port:      srv.Port,
		Thread:    srv.Thread,
	}
}

// MockPlayerStatus answers /api/getplayerstatus with ps.
func (m *MockNicoServer) MockPlayerStatus(ps PlayerStatus) {
	premium := 0
	if ps.Premium {
		premium = 1
	}
	body := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<getplayerstatus status="ok" time="%d">
<stream><id>%s</id><title>%s</title><default_community>%s</default_community><base_time>%d</base_time><open_time>%d</open_time><start_time>%d</start_time></stream>
<user><user_id>%s</user_id><nickname>%s</nickname><is_premium>%d</is_premium><room_label>%s</room_label><room_seetno>%d</room_seetno></user>
<ms><addr>%s</addr><port>%d</port><thread>%d</thread></ms>
</getplayerstatus>`,
		ps.BaseTime, ps.LiveID, html.EscapeString(ps.Title), ps.Community, ps.BaseTime, ps.BaseTime, ps.BaseTime+60,
		ps.UserID, html.EscapeString(ps.Nickname), premium, html.EscapeString(ps.RoomLabel), ps.SeatNo,
		ps.Addr, ps.Port, ps.Thread)
	m.Handle("/api/getplayerstatus", xmlHandler(body))
}

// MockPlayerStatusFailure answers /api/getplayerstatus with status="fail".
func (m *MockNicoServer) MockPlayerStatusFailure(code string) {
	m.Handle("/api/getplayerstatus", xmlHandler(fmt.Sprintf(
		`<getplayerstatus status="fail"><error><code>%s</code></error></getplayerstatus>`, code)))
}

// MockCommunity serves the page of user community id.
func (m *MockNicoServer) MockCommunity(id, title string, level int, thumbnail string) {
	body := fmt.Sprintf(`<html><body>
<h2 id="community_name">%s</h2>
<div id="cbox_profile"><table><tr><td>レベル：<strong>%d</strong></td></tr></table><img src="%s"></div>
</body></html>`, html.EscapeString(title), level, thumbnail)
	m.Handle("/community/"+id, htmlHandler(body))
}

// MockChannel serves the page of channel id.
func (m *MockNicoServer) MockChannel(id, title, thumbnail string) {
	body := fmt.Sprintf(`<html><body>
<div id="head_cp_breadcrumb"><h1><a href="/%s">%s</a></h1></div>
<div id="cp_symbol"><a><img src="%s"></a></div>
</body></html>`, id, html.EscapeString(title), thumbnail)
	m.Handle("/"+id, htmlHandler(body))
}

// MockPostKey answers /api/getpostkey with key.
func (m *MockNicoServer) MockPostKey(key string) {
	m.Handle("/api/getpostkey", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "postkey=%s", key) //nolint:errcheck // test mock response
	})
}

// MockHeartbeat answers /api/heartbeat. waitTime <= 0 omits the element.
func (m *MockNicoServer) MockHeartbeat(watchCount, commentCount, waitTime int) {
	wait := ""
	if waitTime > 0 {
		wait = fmt.Sprintf("<waitTime>%d</waitTime>", waitTime)
	}
	m.Handle("/api/heartbeat", xmlHandler(fmt.Sprintf(
		`<heartbeat status="ok" time="0"><watchCount>%d</watchCount><commentCount>%d</commentCount><is_restrictmode>0</is_restrictmode><ticket>hb-ticket</ticket>%s</heartbeat>`,
		watchCount, commentCount, wait)))
}

// MockNGScoring records the form of every ngscoring post.
func (m *MockNicoServer) MockNGScoring(record func(url.Values)) {
	m.Handle("/api/ngscoring", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		record(r.PostForm)
		_, _ = w.Write([]byte(`<ngscoring status="ok"/>`)) //nolint:errcheck // test mock response
	})
}

// MockUser serves the user page of id with name.
func (m *MockNicoServer) MockUser(id, name string) {
	m.Handle("/user/"+id, htmlHandler(fmt.Sprintf(
		`<html><head><meta property="profile:username" content="%s"></head><body></body></html>`, html.EscapeString(name))))
}

func xmlHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		_, _ = w.Write([]byte(body)) //nolint:errcheck // test mock response
	}
}

func htmlHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body)) //nolint:errcheck // test mock response
	}
}
