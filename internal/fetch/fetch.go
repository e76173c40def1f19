// Package fetch is the outbound HTTP layer. Every request in the process,
// whatever session it belongs to, passes through one 50-slot semaphore so a
// burst of embeds cannot stampede the upstream.
package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"github.com/gramfix/gramfix/internal/observability"
)

// MaxConcurrent is the process-wide cap on in-flight outbound requests.
const MaxConcurrent = 50

var outboundSem = semaphore.NewWeighted(MaxConcurrent)

// dnsCache maps hostname to the IP of the most recent successful
// connection, process-wide, last writer wins.
var dnsCache, _ = lru.New[string, string](512)

// StatusError reports a 4xx/5xx upstream response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d for %s", e.Code, e.URL)
}

type Options struct {
	// Proxy is an optional outbound proxy URL.
	Proxy string
	// RewriteDNS enables rewriting request hosts to the cached IP of the
	// last successful connection, with an explicit Host header. TLS
	// verification is disabled on this path because the upstream serves
	// its certs under the original hostname.
	RewriteDNS bool
	// Timeout bounds a whole request unless the context is tighter.
	Timeout time.Duration
	// UserAgent is sent on every request when non-empty.
	UserAgent string
}

type Session struct {
	client     *http.Client
	noRedirect *http.Client
	opts       Options
}

func NewSession(opts Options) (*Session, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			rememberResolution(addr, conn)
			return conn, nil
		},
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if opts.RewriteDNS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if opts.Proxy != "" {
		pu, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(pu)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Session{
		client: &http.Client{Transport: transport, Timeout: timeout},
		noRedirect: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		opts: opts,
	}, nil
}

// rememberResolution stores host -> remote IP after a successful dial.
// Dials to literal IPs (including our own rewrites) are not recorded.
func rememberResolution(addr string, conn net.Conn) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || net.ParseIP(host) != nil {
		return
	}
	if ra, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		dnsCache.Add(host, ra.IP.String())
	}
}

type reqOpts struct {
	params       url.Values
	headers      http.Header
	ignoreStatus bool
}

type ReqOption func(*reqOpts)

func WithParams(params url.Values) ReqOption {
	return func(o *reqOpts) { o.params = params }
}

func WithHeader(key, value string) ReqOption {
	return func(o *reqOpts) {
		if o.headers == nil {
			o.headers = http.Header{}
		}
		o.headers.Set(key, value)
	}
}

// IgnoreStatus makes 4xx/5xx responses return their body instead of a
// StatusError.
func IgnoreStatus() ReqOption {
	return func(o *reqOpts) { o.ignoreStatus = true }
}

// Get fetches rawurl and returns the response body.
func (s *Session) Get(ctx context.Context, rawurl string, opts ...ReqOption) ([]byte, error) {
	return s.do(ctx, http.MethodGet, rawurl, "", opts...)
}

// PostForm sends form as application/x-www-form-urlencoded.
func (s *Session) PostForm(ctx context.Context, rawurl string, form url.Values, opts ...ReqOption) ([]byte, error) {
	return s.do(ctx, http.MethodPost, rawurl, form.Encode(), opts...)
}

// HeadRedirect issues a HEAD without following redirects and returns the
// Location header, or "" when the response carries none.
func (s *Session) HeadRedirect(ctx context.Context, rawurl string) (string, error) {
	if err := outboundSem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire outbound slot: %w", err)
	}
	defer outboundSem.Release(1)
	observability.IncOutboundInflight()
	defer observability.DecOutboundInflight()

	req, err := s.newRequest(ctx, http.MethodHead, rawurl, "")
	if err != nil {
		return "", err
	}
	resp, err := s.noRedirect.Do(req)
	if err != nil {
		return "", fmt.Errorf("head %s: %w", rawurl, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Header.Get("Location"), nil
}

func (s *Session) do(ctx context.Context, method, rawurl, body string, opts ...ReqOption) ([]byte, error) {
	var ro reqOpts
	for _, f := range opts {
		f(&ro)
	}
	if len(ro.params) > 0 {
		sep := "?"
		if strings.Contains(rawurl, "?") {
			sep = "&"
		}
		rawurl += sep + ro.params.Encode()
	}

	if err := outboundSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire outbound slot: %w", err)
	}
	defer outboundSem.Release(1)
	observability.IncOutboundInflight()
	defer observability.DecOutboundInflight()

	req, err := s.newRequest(ctx, method, rawurl, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range ro.headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", strings.ToLower(method), rawurl, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", rawurl, err)
	}
	if resp.StatusCode >= 400 && !ro.ignoreStatus {
		return nil, &StatusError{Code: resp.StatusCode, URL: rawurl}
	}
	return b, nil
}

func (s *Session) newRequest(ctx context.Context, method, rawurl, body string) (*http.Request, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawurl, err)
	}

	var hostHeader string
	if s.opts.RewriteDNS {
		if ip, ok := dnsCache.Get(u.Hostname()); ok {
			hostHeader = u.Host
			port := u.Port()
			if port != "" {
				u.Host = net.JoinHostPort(ip, port)
			} else {
				u.Host = ip
			}
		}
	}

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, fmt.Errorf("build request for %q: %w", rawurl, err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if hostHeader != "" {
		req.Host = hostHeader
	}
	if s.opts.UserAgent != "" {
		req.Header.Set("User-Agent", s.opts.UserAgent)
	}
	return req, nil
}
