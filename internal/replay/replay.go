// Package replay implements the Replay Executor: a plain HTTP client that
// issues operator-crafted requests, bypassing interception entirely. It
// never touches the suspended-exchange map and is independently cancellable.
package replay

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"mitmrelay/internal/driver"
	"mitmrelay/internal/logger"
	"mitmrelay/internal/model"
)

// HeaderOverrideHeader carries a JSON-encoded header map that is applied on
// top of the caller-supplied headers after the SSRF-sensitive header strip,
// restoring headers a plain HTTP client would otherwise be forbidden from
// setting (Origin, custom auth headers the browser's fetch() API blocks).
const HeaderOverrideHeader = "X-Repeater-Header-Override"

// forbiddenHeaders mirrors the fetch-API forbidden request header list: a
// plain net/http client can set any of these, but doing so on a replay would
// misrepresent the request as something other than what the operator typed.
var forbiddenHeaders = map[string]bool{
	"host": true, "connection": true, "content-length": true,
	"date": true, "expect": true,
}

// Options configures the Replay Executor.
type Options struct {
	SkipTLSVerify bool
	AllowLoopback bool
	Timeout       time.Duration
}

// Executor issues replay requests.
type Executor struct {
	log     logger.Logger
	opts    Options
	client  *http.Client
}

// New builds an Executor.
func New(log logger.Logger, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Executor{
		log:  log.Component("replay"),
		opts: opts,
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: opts.SkipTLSVerify}, //nolint:gosec // operator-controlled, off by default
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Result is the outcome of a replay.
type Result struct {
	Status  int
	Headers map[string]string
	Body    string
	Err     error
}

// Execute issues req and returns its result. ctx governs cancellation: a
// cancelled context yields Result{Err: context.Canceled}, which the caller
// surfaces as a replay_response with error="cancelled".
func (e *Executor) Execute(ctx context.Context, req model.RawRequest) Result {
	target, err := url.Parse(req.URL)
	if err != nil {
		return Result{Err: fmt.Errorf("parse replay url: %w", err)}
	}
	if err := e.guardSSRF(target); err != nil {
		return Result{Err: err}
	}

	var overrides map[string]string
	if raw, ok := req.Headers[HeaderOverrideHeader]; ok {
		_ = json.Unmarshal([]byte(raw), &overrides)
	}

	safeHeaders := http.Header{}
	for k, v := range req.Headers {
		lk := strings.ToLower(k)
		if lk == strings.ToLower(HeaderOverrideHeader) || lk == strings.ToLower(driver.ReplayBypassHeader) {
			continue
		}
		if forbiddenHeaders[lk] || strings.HasPrefix(lk, "sec-") {
			continue
		}
		safeHeaders.Set(k, v)
	}
	for k, v := range overrides {
		safeHeaders.Set(k, v)
	}
	safeHeaders.Set(driver.ReplayBypassHeader, "1")

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, strings.NewReader(req.Body))
	if err != nil {
		return Result{Err: fmt.Errorf("build replay request: %w", err)}
	}
	httpReq.Header = safeHeaders

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{Err: context.Canceled}
		}
		return Result{Err: fmt.Errorf("replay request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return Result{Err: fmt.Errorf("decode replay response: %w", err)}
	}

	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return Result{Status: resp.StatusCode, Headers: headers, Body: string(body)}
}

// guardSSRF resolves the target host and refuses loopback/link-local
// destinations unless explicitly allowed by configuration.
func (e *Executor) guardSSRF(target *url.URL) error {
	if e.opts.AllowLoopback {
		return nil
	}
	host := target.Hostname()
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve replay target host %q: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return fmt.Errorf("refusing to replay to loopback/link-local address %s", ip)
		}
	}
	return nil
}

func decodeBody(resp *http.Response) ([]byte, error) {
	enc := strings.ToLower(resp.Header.Get("Content-Encoding"))
	switch enc {
	case "br":
		return io.ReadAll(brotli.NewReader(resp.Body))
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		return io.ReadAll(gz)
	default:
		return io.ReadAll(resp.Body)
	}
}
