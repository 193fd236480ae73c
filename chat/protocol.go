package chat

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/roomwatch/live"
)

// Frames on the room stream are XML elements terminated by a NUL byte.
const frameTerminator = 0x00

// maxFrameSize bounds a single frame read from a room.
const maxFrameSize = 1 << 20

// threadVersion is the protocol revision requested on join.
const threadVersion = "20061206"

// Frame is one decoded element of the room stream: a *ThreadFrame,
// a *ChatFrame or a *ChatResultFrame.
type Frame interface{ frameName() string }

// ThreadFrame acknowledges the join of a thread.
type ThreadFrame struct {
	XMLName    xml.Name `xml:"thread"`
	ResultCode int      `xml:"resultcode,attr"`
	Thread     int64    `xml:"thread,attr"`
	LastRes    int64    `xml:"last_res,attr"`
	Ticket     string   `xml:"ticket,attr"`
	Revision   int      `xml:"revision,attr"`
	ServerTime int64    `xml:"server_time,attr"`
}

// ChatFrame is a raw chat element.
type ChatFrame struct {
	XMLName   xml.Name `xml:"chat"`
	Thread    int64    `xml:"thread,attr"`
	No        int64    `xml:"no,attr"`
	Vpos      int64    `xml:"vpos,attr"`
	Date      int64    `xml:"date,attr"`
	DateUsec  int      `xml:"date_usec,attr"`
	Mail      string   `xml:"mail,attr"`
	UserID    string   `xml:"user_id,attr"`
	Premium   int      `xml:"premium,attr"`
	Anonymity int      `xml:"anonymity,attr"`
	Locale    string   `xml:"locale,attr"`
	Text      string   `xml:",chardata"`
}

// ChatResultFrame acknowledges a posted comment.
type ChatResultFrame struct {
	XMLName xml.Name `xml:"chat_result"`
	Thread  int64    `xml:"thread,attr"`
	Status  int      `xml:"status,attr"`
	No      int64    `xml:"no,attr"`
}

func (*ThreadFrame) frameName() string     { return "thread" }
func (*ChatFrame) frameName() string       { return "chat" }
func (*ChatResultFrame) frameName() string { return "chat_result" }

// Chat converts the frame into the chat seen in room.
func (f *ChatFrame) Chat(room live.RoomPosition) live.Chat {
	return live.Chat{
		Room:      room,
		Thread:    f.Thread,
		No:        f.No,
		Vpos:      f.Vpos,
		Date:      time.Unix(f.Date, int64(f.DateUsec)*int64(time.Microsecond)),
		DateUsec:  f.DateUsec,
		Mail:      f.Mail,
		UserID:    f.UserID,
		Premium:   live.PremiumTier(f.Premium),
		Anonymous: f.Anonymity != 0,
		Comment:   f.Text,
	}
}

// Result converts the frame into the post result seen in room.
func (f *ChatResultFrame) Result(room live.RoomPosition) live.ChatResult {
	return live.ChatResult{Room: room, Thread: f.Thread, No: f.No, Status: live.ChatResultStatus(f.Status)}
}

// ErrUnknownFrame is returned for well-formed elements the decoder does not handle.
var ErrUnknownFrame = errors.New("unknown frame")

// DecodeFrame parses a single frame without its terminator.
func DecodeFrame(b []byte) (Frame, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	name, err := rootName(b)
	if err != nil {
		return nil, err
	}
	var f Frame
	switch name {
	case "thread":
		f = &ThreadFrame{}
	case "chat":
		f = &ChatFrame{}
	case "chat_result":
		f = &ChatResultFrame{}
	default:
		return nil, fmt.Errorf("%w: <%s>", ErrUnknownFrame, name)
	}
	if err := xml.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("decode <%s>: %w", name, err)
	}
	return f, nil
}

func rootName(b []byte) (string, error) {
	d := xml.NewDecoder(bytes.NewReader(b))
	for {
		tok, err := d.Token()
		if err != nil {
			return "", fmt.Errorf("read frame root: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

// FrameScanner splits a room stream into frames.
type FrameScanner struct {
	s *bufio.Scanner
}

// NewFrameScanner reads NUL-terminated frames from r.
func NewFrameScanner(r io.Reader) *FrameScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxFrameSize)
	s.Split(scanFrames)
	return &FrameScanner{s: s}
}

// Next returns the next frame. It returns io.EOF once the stream ends.
func (fs *FrameScanner) Next() ([]byte, error) {
	if fs.s.Scan() {
		return fs.s.Bytes(), nil
	}
	if err := fs.s.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func scanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, frameTerminator); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// EncodeThreadRequest builds the join frame for thread, asking for the last
// resFrom comments of history.
func EncodeThreadRequest(thread int64, resFrom int) []byte {
	var b strings.Builder
	b.WriteString(`<thread thread="`)
	b.WriteString(strconv.FormatInt(thread, 10))
	b.WriteString(`" res_from="-`)
	b.WriteString(strconv.Itoa(resFrom))
	b.WriteString(`" version="` + threadVersion + `"/>`)
	b.WriteByte(frameTerminator)
	return []byte(b.String())
}

// Post is an outgoing comment.
type Post struct {
	Thread    int64
	Ticket    string
	Vpos      int64
	PostKey   string
	UserID    string
	Premium   bool
	Anonymous bool
	Text      string
}

// anonymousMail is the command that hides the poster's id.
const anonymousMail = "184"

// EncodePost builds the comment frame for p.
func EncodePost(p Post) []byte {
	mail := ""
	if p.Anonymous {
		mail = anonymousMail
	}
	premium := "0"
	if p.Premium {
		premium = "1"
	}
	var b strings.Builder
	b.WriteString(`<chat thread="`)
	b.WriteString(strconv.FormatInt(p.Thread, 10))
	b.WriteString(`" ticket="`)
	writeEscaped(&b, p.Ticket)
	b.WriteString(`" vpos="`)
	b.WriteString(strconv.FormatInt(p.Vpos, 10))
	b.WriteString(`" postkey="`)
	writeEscaped(&b, p.PostKey)
	b.WriteString(`" mail="`)
	b.WriteString(mail)
	b.WriteString(`" user_id="`)
	writeEscaped(&b, p.UserID)
	b.WriteString(`" premium="`)
	b.WriteString(premium)
	b.WriteString(`" locale="ja-jp">`)
	writeEscaped(&b, p.Text)
	b.WriteString(`</chat>`)
	b.WriteByte(frameTerminator)
	return []byte(b.String())
}

func writeEscaped(b *strings.Builder, s string) {
	// EscapeText only fails when the writer does; strings.Builder never does.
	_ = xml.EscapeText(b, []byte(s))
}

// Vpos is the post position in centiseconds since the broadcast base time.
func Vpos(base, now time.Time) int64 {
	if base.IsZero() {
		return 0
	}
	return int64(now.Sub(base) / (10 * time.Millisecond))
}
