package nicoapi

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/roomwatch/live"
)

// PlayerStatus is the bootstrap response of one broadcast.
type PlayerStatus struct {
	Live   live.Live
	User   live.User
	Server live.MessageServer // the room the user was assigned to
}

type playerStatusXML struct {
	XMLName xml.Name `xml:"getplayerstatus"`
	Status  string   `xml:"status,attr"`
	Error   struct {
		Code string `xml:"code"`
	} `xml:"error"`
	Stream struct {
		ID               string `xml:"id"`
		Title            string `xml:"title"`
		DefaultCommunity string `xml:"default_community"`
		BaseTime         string `xml:"base_time"`
		OpenTime         string `xml:"open_time"`
		StartTime        string `xml:"start_time"`
	} `xml:"stream"`
	User struct {
		UserID    string `xml:"user_id"`
		Nickname  string `xml:"nickname"`
		IsPremium string `xml:"is_premium"`
		RoomLabel string `xml:"room_label"`
		SeatNo    string `xml:"room_seetno"`
	} `xml:"user"`
	MS struct {
		Addr   string `xml:"addr"`
		Port   string `xml:"port"`
		Thread string `xml:"thread"`
	} `xml:"ms"`
}

// GetPlayerStatus loads the broadcast, the signed-in user and the assigned
// message server of broadcast lv<liveNumber>.
func (c *Client) GetPlayerStatus(ctx context.Context, liveNumber int64) (*PlayerStatus, error) {
	q := url.Values{"v": {"lv" + strconv.FormatInt(liveNumber, 10)}}
	body, err := c.get(ctx, "getplayerstatus", joinURL(c.endpoints().Watch, "/api/getplayerstatus"), q)
	if err != nil {
		return nil, err
	}
	return ParsePlayerStatus(body)
}

// ParsePlayerStatus decodes a getplayerstatus document.
func ParsePlayerStatus(body []byte) (*PlayerStatus, error) {
	var doc playerStatusXML
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, &FailureError{Reason: ReasonUnpack, Err: err}
	}
	if doc.Status != "ok" {
		code := strings.TrimSpace(doc.Error.Code)
		if code == "" {
			code = "unknown"
		}
		return nil, &FailureError{Reason: code, Err: &StatusError{Code: code}}
	}

	ps, err := doc.extract()
	if err != nil {
		return nil, &FailureError{Reason: ReasonExtract, Err: err}
	}
	return ps, nil
}

func (doc *playerStatusXML) extract() (*PlayerStatus, error) {
	s, u, ms := doc.Stream, doc.User, doc.MS
	if s.ID == "" || s.DefaultCommunity == "" {
		return nil, fmt.Errorf("missing stream id or community")
	}
	if u.UserID == "" {
		return nil, fmt.Errorf("missing user id")
	}
	pos, ok := live.PositionForRoomLabel(u.RoomLabel)
	if !ok {
		return nil, fmt.Errorf("unknown room label %q", u.RoomLabel)
	}
	port, err := strconv.Atoi(strings.TrimSpace(ms.Port))
	if err != nil {
		return nil, fmt.Errorf("message server port: %w", err)
	}
	thread, err := strconv.ParseInt(strings.TrimSpace(ms.Thread), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("message server thread: %w", err)
	}
	if ms.Addr == "" {
		return nil, fmt.Errorf("missing message server address")
	}
	seat, err := strconv.Atoi(strings.TrimSpace(u.SeatNo))
	if err != nil || seat < 0 {
		seat = live.NoSeat
	}

	return &PlayerStatus{
		Live: live.Live{
			ID:        s.ID,
			Title:     s.Title,
			Community: live.Community{ID: s.DefaultCommunity},
			BaseTime:  unixTime(s.BaseTime),
			OpenTime:  unixTime(s.OpenTime),
			StartTime: unixTime(s.StartTime),
		},
		User: live.User{
			ID:        u.UserID,
			Nickname:  u.Nickname,
			IsPremium: strings.TrimSpace(u.IsPremium) == "1",
			RoomLabel: u.RoomLabel,
			SeatNo:    seat,
		},
		Server: live.MessageServer{
			Position: pos,
			Address:  strings.TrimSpace(ms.Addr),
			Port:     port,
			Thread:   thread,
		},
	}, nil
}

func unixTime(s string) time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
