package live

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// PremiumTier is the sender class attached to every chat.
type PremiumTier int

const (
	Ippan    PremiumTier = 0
	Premium  PremiumTier = 1
	System   PremiumTier = 2
	Caster   PremiumTier = 3
	Operator PremiumTier = 6
	BSP      PremiumTier = 7
)

func (t PremiumTier) String() string {
	switch t {
	case Ippan:
		return "ippan"
	case Premium:
		return "premium"
	case System:
		return "system"
	case Caster:
		return "caster"
	case Operator:
		return "operator"
	case BSP:
		return "bsp"
	default:
		return "tier(" + strconv.Itoa(int(t)) + ")"
	}
}

// Chat is one comment received from a room.
type Chat struct {
	Room      RoomPosition
	Thread    int64
	No        int64
	Vpos      int64
	Date      time.Time
	DateUsec  int
	Mail      string
	UserID    string
	Premium   PremiumTier
	Anonymous bool
	Comment   string
}

// IsOrdinary reports whether the chat comes from an audience member rather
// than the system or the caster.
func (c Chat) IsOrdinary() bool { return c.Premium == Ippan || c.Premium == Premium }

// IsSystemOrCaster reports whether the chat was sent by the platform or the
// broadcaster.
func (c Chat) IsSystemOrCaster() bool { return c.Premium == System || c.Premium == Caster }

func (c Chat) String() string {
	return fmt.Sprintf("chat %s no=%d user=%s premium=%s %q", c.Room, c.No, c.UserID, c.Premium, c.Comment)
}

// Heartbeat is the liveness snapshot returned by the keepalive call.
type Heartbeat struct {
	OK             bool
	ErrorCode      string
	WatchCount     int
	CommentCount   int
	IsRestrictMode bool
	Ticket         string
	WaitTime       *int // seconds until the server wants the next call
}

// ChatResultStatus is the outcome of posting a comment.
type ChatResultStatus int

const (
	ChatResultSuccess ChatResultStatus = iota
	ChatResultFailure
	ChatResultInvalidThread
	ChatResultInvalidTicket
	ChatResultInvalidPostkey
	ChatResultLocked
	ChatResultReadOnly
	ChatResultTooLong
)

var chatResultLabels = [...]string{
	"Success", "Failure", "InvalidThread", "InvalidTicket",
	"InvalidPostkey", "Locked", "ReadOnly", "TooLong",
}

func (s ChatResultStatus) String() string {
	if s < ChatResultSuccess || int(s) >= len(chatResultLabels) {
		return "Unknown(" + strconv.Itoa(int(s)) + ")"
	}
	return chatResultLabels[s]
}

// ChatResult acknowledges a posted comment. It is terminal: nothing retries
// a failed post on the caller's behalf.
type ChatResult struct {
	Room   RoomPosition
	Thread int64
	No     int64
	Status ChatResultStatus
}

var seatDirectivePattern = regexp.MustCompile(`/hb ifseetno (\d+)`)

// DisconnectCommand is the comment text the platform sends to end a
// broadcast's chat.
const DisconnectCommand = "/disconnect"

// SeatDirective extracts the seat number of a "/hb ifseetno N" directive.
func SeatDirective(comment string) (int, bool) {
	m := seatDirectivePattern.FindStringSubmatch(comment)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsDisconnectCommand reports whether comment is exactly the disconnect command.
func IsDisconnectCommand(comment string) bool { return comment == DisconnectCommand }

// BlockNo is the comment block a post key is requested for, given the
// highest sequence number seen in the room.
func BlockNo(lastRes int64) int64 { return (lastRes + 1) / 100 }
