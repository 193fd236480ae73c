// Package live holds the value types of a broadcast session: the broadcast
// itself, its community, the signed-in user, rooms and their message servers,
// and the chat, heartbeat and post-result records read from the platform.
//
// Everything here is pure. Room server derivation and the control signals
// embedded in chat text are plain functions so they can be tested without a
// network.
package live

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// WatchBaseURL is the public watch page prefix of a broadcast.
const WatchBaseURL = "http://live.nicovideo.jp/watch/"

var (
	userCommunityPattern    = regexp.MustCompile(`^co\d+`)
	channelCommunityPattern = regexp.MustCompile(`^ch\d+`)
	liveURLPattern          = regexp.MustCompile(`^https?://live\.nicovideo\.jp/watch/lv(\d{5,})`)
	liveIDPattern           = regexp.MustCompile(`^(?:lv)?(\d+)$`)
	rawUserIDPattern        = regexp.MustCompile(`^\d+$`)
)

// Community is the user community or channel that hosts a broadcast.
type Community struct {
	ID           string
	Title        string
	Level        *int // nil when the page did not expose a level
	ThumbnailURL string
}

// IsUser reports whether the community is a user community ("co" prefix).
func (c Community) IsUser() bool { return userCommunityPattern.MatchString(c.ID) }

// IsChannel reports whether the community is a channel ("ch" prefix).
func (c Community) IsChannel() bool { return channelCommunityPattern.MatchString(c.ID) }

func (c Community) String() string {
	level := "unknown"
	if c.Level != nil {
		level = strconv.Itoa(*c.Level)
	}
	return fmt.Sprintf("community %s title=%q level=%s", c.ID, c.Title, level)
}

// Live is one broadcast. ID includes the "lv" prefix.
type Live struct {
	ID        string
	Title     string
	Community Community
	BaseTime  time.Time
	OpenTime  time.Time
	StartTime time.Time
}

// URL returns the watch page of the broadcast.
func (l Live) URL() string { return WatchBaseURL + l.ID }

// NoSeat is the SeatNo of a user whose seat the platform did not report.
const NoSeat = -1

// User is the signed-in viewer as seen by one broadcast.
type User struct {
	ID        string
	Nickname  string
	IsPremium bool
	RoomLabel string
	SeatNo    int
}

// HasSeat reports whether the platform assigned the user a seat number.
func (u User) HasSeat() bool { return u.SeatNo >= 0 }

// ErrInvalidBroadcastID is returned by ParseLiveNumber for unusable input.
var ErrInvalidBroadcastID = errors.New("invalid broadcast id")

// ParseLiveNumber extracts the numeric part of a broadcast reference. It
// accepts "lv123", "123" and watch page URLs.
func ParseLiveNumber(s string) (int64, error) {
	if m := liveURLPattern.FindStringSubmatch(s); m != nil {
		return strconv.ParseInt(m[1], 10, 64)
	}
	if m := liveIDPattern.FindStringSubmatch(s); m != nil {
		return strconv.ParseInt(m[1], 10, 64)
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidBroadcastID, s)
}

// IsRawUserID reports whether id is a numeric account id. Anonymous posters
// carry hashed ids that can never be resolved to a name.
func IsRawUserID(id string) bool { return rawUserIDPattern.MatchString(id) }
