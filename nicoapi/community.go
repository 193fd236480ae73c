package nicoapi

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/onnwee/roomwatch/live"
)

// LoadCommunity fills in title, level and thumbnail of c from its public
// page. Channels have no level. Only transport and parse failures are
// errors; details missing from the page are left empty.
func (c *Client) LoadCommunity(ctx context.Context, community live.Community) (live.Community, error) {
	var target string
	switch {
	case community.IsUser():
		target = joinURL(c.endpoints().Community, "/community/"+community.ID)
	case community.IsChannel():
		target = joinURL(c.endpoints().Channel, "/"+community.ID)
	default:
		return community, &FailureError{Reason: ReasonCommunity, Err: fmt.Errorf("unsupported community id %q", community.ID)}
	}

	body, err := c.get(ctx, "community", target, nil)
	if err != nil {
		return community, &FailureError{Reason: ReasonCommunity, Err: err}
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return community, &FailureError{Reason: ReasonCommunity, Err: err}
	}

	out := community
	if community.IsUser() {
		parseUserCommunity(doc, &out)
	} else {
		parseChannel(doc, &out)
	}
	// Pages of banned or closed communities expose nothing; the caller then
	// listens to the assigned room only.
	return out, nil
}

func parseUserCommunity(doc *html.Node, c *live.Community) {
	if n := findByID(doc, "community_name"); n != nil {
		c.Title = textContent(n)
	}
	profile := findByID(doc, "cbox_profile")
	if profile == nil {
		return
	}
	if s := findFirst(profile, func(n *html.Node) bool {
		if !isElement(n, "strong") {
			return false
		}
		_, err := strconv.Atoi(textContent(n))
		return err == nil
	}); s != nil {
		level, _ := strconv.Atoi(textContent(s))
		c.Level = &level
	}
	if img := findFirst(profile, func(n *html.Node) bool { return isElement(n, "img") }); img != nil {
		c.ThumbnailURL = attr(img, "src")
	}
}

func parseChannel(doc *html.Node, c *live.Community) {
	if crumb := findByID(doc, "head_cp_breadcrumb"); crumb != nil {
		if h1 := findFirst(crumb, func(n *html.Node) bool { return isElement(n, "h1") }); h1 != nil {
			if a := findFirst(h1, func(n *html.Node) bool { return isElement(n, "a") }); a != nil {
				c.Title = textContent(a)
			} else {
				c.Title = textContent(h1)
			}
		}
	}
	if sym := findByID(doc, "cp_symbol"); sym != nil {
		if img := findFirst(sym, func(n *html.Node) bool { return isElement(n, "img") }); img != nil {
			c.ThumbnailURL = attr(img, "src")
		}
	}
}

// FetchThumbnail downloads the image at rawURL.
func (c *Client) FetchThumbnail(ctx context.Context, rawURL string) ([]byte, error) {
	if rawURL == "" {
		return nil, &FailureError{Reason: ReasonRequest, Err: fmt.Errorf("empty thumbnail url")}
	}
	return c.get(ctx, "thumbnail", rawURL, nil)
}

func isElement(n *html.Node, tag string) bool {
	return n.Type == html.ElementNode && n.Data == tag
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	if match(root) {
		return root
	}
	for ch := root.FirstChild; ch != nil; ch = ch.NextSibling {
		if n := findFirst(ch, match); n != nil {
			return n
		}
	}
	return nil
}

func findByID(root *html.Node, id string) *html.Node {
	return findFirst(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && attr(n, "id") == id
	})
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
