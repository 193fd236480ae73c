package nicoapi

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/onnwee/roomwatch/live"
)

var postKeyPattern = regexp.MustCompile(`postkey=(.+)`)

// GetPostKey fetches the key required to post into thread for comment block
// blockNo (see live.BlockNo).
func (c *Client) GetPostKey(ctx context.Context, thread, blockNo int64) (string, error) {
	q := url.Values{
		"thread":   {strconv.FormatInt(thread, 10)},
		"block_no": {strconv.FormatInt(blockNo, 10)},
	}
	body, err := c.get(ctx, "getpostkey", joinURL(c.endpoints().Live, "/api/getpostkey"), q)
	if err != nil {
		return "", err
	}
	m := postKeyPattern.FindSubmatch(bytes.TrimSpace(body))
	if m == nil || len(bytes.TrimSpace(m[1])) == 0 {
		return "", ErrNoPostKey
	}
	return string(bytes.TrimSpace(m[1])), nil
}

type heartbeatXML struct {
	XMLName        xml.Name `xml:"heartbeat"`
	Status         string   `xml:"status,attr"`
	WatchCount     int      `xml:"watchCount"`
	CommentCount   int      `xml:"commentCount"`
	IsRestrictMode int      `xml:"is_restrictmode"`
	Ticket         string   `xml:"ticket"`
	WaitTime       *int     `xml:"waitTime"`
	Error          struct {
		Code string `xml:"code"`
	} `xml:"error"`
}

// Heartbeat keeps the viewer seat of liveID alive. A response with status
// other than "ok" is returned as a Heartbeat with OK false and ErrorCode set.
func (c *Client) Heartbeat(ctx context.Context, liveID string) (live.Heartbeat, error) {
	body, err := c.get(ctx, "heartbeat", joinURL(c.endpoints().Live, "/api/heartbeat"), url.Values{"v": {liveID}})
	if err != nil {
		return live.Heartbeat{}, err
	}
	return ParseHeartbeat(body)
}

// ParseHeartbeat decodes a heartbeat document.
func ParseHeartbeat(body []byte) (live.Heartbeat, error) {
	var doc heartbeatXML
	if err := xml.Unmarshal(body, &doc); err != nil {
		return live.Heartbeat{}, &FailureError{Reason: ReasonUnpack, Err: err}
	}
	if doc.Status != "ok" {
		return live.Heartbeat{OK: false, ErrorCode: strings.TrimSpace(doc.Error.Code)}, nil
	}
	return live.Heartbeat{
		OK:             true,
		WatchCount:     doc.WatchCount,
		CommentCount:   doc.CommentCount,
		IsRestrictMode: doc.IsRestrictMode != 0,
		Ticket:         strings.TrimSpace(doc.Ticket),
		WaitTime:       doc.WaitTime,
	}, nil
}

// NGReport identifies a comment whose author is reported.
type NGReport struct {
	LiveID   string
	UserID   string
	Thread   int64
	No       int64
	Date     time.Time
	DateUsec int
}

func (r NGReport) form() url.Values {
	tpos := fmt.Sprintf("%d.%d", r.Date.Unix(), r.DateUsec)
	return url.Values{
		"vid":            {r.LiveID},
		"lang":           {"ja-jp"},
		"type":           {"ID"},
		"locale":         {"GLOBAL"},
		"value":          {r.UserID},
		"player":         {"v4"},
		"uid":            {r.UserID},
		"tpos":           {tpos},
		"comment":        {strconv.FormatInt(r.No, 10)},
		"thread":         {strconv.FormatInt(r.Thread, 10)},
		"comment_locale": {"ja-jp"},
	}
}

// ReportNG reports the author of a comment.
func (c *Client) ReportNG(ctx context.Context, r NGReport) error {
	if r.LiveID == "" || r.UserID == "" {
		return fmt.Errorf("ng report needs live and user id")
	}
	_, err := c.postForm(ctx, "ngscoring", joinURL(c.endpoints().Watch, "/api/ngscoring"), r.form())
	return err
}

const userPageTitleSuffix = "さんのユーザーページ"

// ResolveUsername reads the display name from the user page of id.
func (c *Client) ResolveUsername(ctx context.Context, id string) (string, error) {
	if !live.IsRawUserID(id) {
		return "", fmt.Errorf("%w: %q is not a raw user id", ErrUsernameNotFound, id)
	}
	body, err := c.get(ctx, "user", joinURL(c.endpoints().User, "/user/"+id), nil)
	if err != nil {
		return "", err
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", &FailureError{Reason: ReasonUnpack, Err: err}
	}
	if name := metaContent(doc, "profile:username"); name != "" {
		return name, nil
	}
	if title := metaContent(doc, "og:title"); title != "" {
		if name := strings.TrimSpace(strings.TrimSuffix(title, userPageTitleSuffix)); name != "" {
			return name, nil
		}
	}
	return "", ErrUsernameNotFound
}

func metaContent(doc *html.Node, property string) string {
	n := findFirst(doc, func(n *html.Node) bool {
		return isElement(n, "meta") && attr(n, "property") == property
	})
	if n == nil {
		return ""
	}
	return strings.TrimSpace(attr(n, "content"))
}
