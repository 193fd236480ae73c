// Package nicoapi contains the HTTP calls a listening session makes against
// the live platform: player status bootstrap, community pages, post keys,
// heartbeats, NG reports and user pages. Every call is authenticated with
// the user_session cookie taken from a credential.Provider.
package nicoapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/roomwatch/credential"
	"github.com/onnwee/roomwatch/telemetry"
)

// DefaultUserAgent is sent with every request.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_10_1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/39.0.2171.71 Safari/537.36"

const (
	sessionCookieName = "user_session"
	maxBodyBytes      = 8 << 20
	defaultTimeout    = 15 * time.Second
)

// Endpoints are the base URLs of the platform hosts. Tests point them at
// local servers.
type Endpoints struct {
	Watch     string // getplayerstatus, ngscoring
	Live      string // getpostkey, heartbeat
	Community string // user community pages
	Channel   string // channel pages
	User      string // user pages
}

// DefaultEndpoints returns the production hosts.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Watch:     "http://watch.live.nicovideo.jp",
		Live:      "http://live.nicovideo.jp",
		Community: "http://com.nicovideo.jp",
		Channel:   "http://ch.nicovideo.jp",
		User:      "http://www.nicovideo.jp",
	}
}

// Client calls the platform APIs.
type Client struct {
	Credentials credential.Provider
	HTTPClient  *http.Client
	Endpoints   Endpoints
	UserAgent   string
}

// New returns a client with production endpoints and a traced HTTP client.
func New(creds credential.Provider, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		Credentials: creds,
		HTTPClient:  &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Endpoints:   DefaultEndpoints(),
		UserAgent:   DefaultUserAgent,
	}
}

var defaultHTTPClient = sync.OnceValue(func() *http.Client {
	return &http.Client{Timeout: defaultTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
})

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return defaultHTTPClient()
}

func (c *Client) userAgent() string {
	if c.UserAgent != "" {
		return c.UserAgent
	}
	return DefaultUserAgent
}

func (c *Client) endpoints() Endpoints {
	e := c.Endpoints
	d := DefaultEndpoints()
	if e.Watch == "" {
		e.Watch = d.Watch
	}
	if e.Live == "" {
		e.Live = d.Live
	}
	if e.Community == "" {
		e.Community = d.Community
	}
	if e.Channel == "" {
		e.Channel = d.Channel
	}
	if e.User == "" {
		e.User = d.User
	}
	return e
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// get issues a cookied GET and returns the body.
func (c *Client) get(ctx context.Context, op, rawURL string, query url.Values) ([]byte, error) {
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	return c.do(ctx, op, http.MethodGet, rawURL, nil)
}

// postForm issues a cookied form POST and returns the body.
func (c *Client) postForm(ctx context.Context, op, rawURL string, form url.Values) ([]byte, error) {
	return c.do(ctx, op, http.MethodPost, rawURL, form)
}

func (c *Client) do(ctx context.Context, op, method, rawURL string, form url.Values) (body []byte, err error) {
	ctx, span := telemetry.StartSpan(ctx, "nicoapi", op,
		attribute.String("http.method", method),
		attribute.String("http.url", rawURL),
	)
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()

	if c.Credentials == nil {
		return nil, &FailureError{Reason: ReasonNoCredential, Err: credential.ErrUnavailable}
	}
	tok, err := c.Credentials.SessionToken(ctx)
	if err != nil {
		return nil, &FailureError{Reason: ReasonNoCredential, Err: err}
	}

	var rdr io.Reader
	if form != nil {
		rdr = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		return nil, &FailureError{Reason: ReasonRequest, Err: err}
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("User-Agent", c.userAgent())
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: tok})

	start := time.Now()
	resp, err := c.http().Do(req)
	telemetry.ObserveAPIRequest(op, time.Since(start), err)
	if err != nil {
		return nil, &FailureError{Reason: ReasonRequest, Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Warn("failed to close response body", slog.String("op", op), slog.Any("err", cerr))
		}
	}()
	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &FailureError{Reason: ReasonRequest, Err: fmt.Errorf("%s: %s: %s", op, resp.Status, strings.TrimSpace(string(snippet)))}
	}
	body, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FailureError{Reason: ReasonUnpack, Err: err}
	}
	if len(body) == 0 {
		return nil, &FailureError{Reason: ReasonUnpack, Err: fmt.Errorf("%s: empty body", op)}
	}
	return body, nil
}
