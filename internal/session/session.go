package session

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"checkinbox/internal/models"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"

// Session is one account's authenticated context. Every account gets its own
// cookie jar; sharing a jar across accounts corrupts identity mid-request
// when workers run concurrently, so there is deliberately no package-level
// client here.
type Session struct {
	phone string
	creds models.Credentials
	httpc *http.Client

	retries int
	backoff time.Duration
	sleep   func(context.Context, time.Duration)
}

func New(phone string, creds models.Credentials) *Session {
	jar, _ := cookiejar.New(nil)
	if creds.Fid == "" {
		creds.Fid = "-1"
	}
	return &Session{
		phone: phone,
		creds: creds,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
			Jar:     jar,
		},
		retries: 3,
		backoff: time.Second,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *Session) Phone() string { return s.phone }

// Credentials returns the current token set, preferring values the server
// rotated into the jar during this session over the ones we started with.
func (s *Session) Credentials() models.Credentials {
	return s.creds
}

func (s *Session) Authenticated() bool { return s.creds.Complete() }

// RequestSpec describes a single call to the remote service. Identity never
// appears here: the session injects its own cookies.
type RequestSpec struct {
	Method string
	URL    string
	Header http.Header
	// Form is sent urlencoded as the POST body when set.
	Form url.Values
	// Body overrides Form for prebuilt payloads (multipart uploads). Kept
	// as bytes so the retry loop can replay it.
	Body        []byte
	ContentType string
	// Gzip enables tolerant manual decompression of the response body.
	Gzip bool
	// NoAuth skips the session cookie header (login handshake only).
	NoAuth bool
}

type RawResponse struct {
	StatusCode int
	Body       string
	Header     http.Header
}

// ErrTransient wraps timeouts and connection failures that survived the
// local retry budget.
var ErrTransient = errors.New("transient network failure")

// Call performs the request with a fixed retry budget and increasing backoff
// (1s, 2s, ...) on transport failures. Application-level failure bodies come
// back as a normal response; classifying them is the caller's concern.
func (s *Session) Call(ctx context.Context, spec RequestSpec) (RawResponse, error) {
	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		if attempt > 0 {
			s.sleep(ctx, time.Duration(attempt)*s.backoff)
			if ctx.Err() != nil {
				return RawResponse{}, ctx.Err()
			}
		}
		resp, err := s.doOnce(ctx, spec)
		if err == nil {
			return resp, nil
		}
		if !isTransient(err) {
			return RawResponse{}, err
		}
		lastErr = err
		slog.Debug("retrying request", "url", spec.URL, "attempt", attempt+1, "error", err.Error())
	}
	return RawResponse{}, errors.Wrapf(ErrTransient, "%s after %d attempts: %v", spec.URL, s.retries, lastErr)
}

func (s *Session) doOnce(ctx context.Context, spec RequestSpec) (RawResponse, error) {
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	contentType := spec.ContentType
	if spec.Body != nil {
		body = bytes.NewReader(spec.Body)
	} else if spec.Form != nil {
		body = strings.NewReader(spec.Form.Encode())
		if contentType == "" {
			contentType = "application/x-www-form-urlencoded; charset=UTF-8"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, spec.URL, body)
	if err != nil {
		return RawResponse{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, vs := range spec.Header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	if !spec.NoAuth && s.creds.Complete() {
		req.Header.Set("Cookie", s.cookieHeader())
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return RawResponse{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return RawResponse{}, errors.Wrap(err, "read body")
	}

	if spec.Gzip {
		raw = maybeGunzip(raw)
	}

	s.absorbJarCookies(spec.URL)

	return RawResponse{
		StatusCode: resp.StatusCode,
		Body:       string(raw),
		Header:     resp.Header,
	}, nil
}

// maybeGunzip decompresses gzip payloads and falls back to the raw bytes
// when the server lies about the encoding.
func maybeGunzip(raw []byte) []byte {
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return raw
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return raw
	}
	return out
}

// cookieHeader serializes the identity cookies in the exact shape the remote
// expects. Note UID is sent uppercase while the login sets _uid.
func (s *Session) cookieHeader() string {
	uf := ""
	return fmt.Sprintf("fid=%s; uf=%s; _d=%s; UID=%s; vc3=%s;", s.creds.Fid, uf, s.creds.D, s.creds.UID, s.creds.VC3)
}

// absorbJarCookies picks up rotated identity tokens the server set during
// this call so Credentials() always reflects the freshest set.
func (s *Session) absorbJarCookies(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil || s.httpc.Jar == nil {
		return
	}
	for _, c := range s.httpc.Jar.Cookies(u) {
		switch c.Name {
		case "_uid", "UID":
			if c.Value != "" {
				s.creds.UID = c.Value
			}
		case "_d":
			if c.Value != "" {
				s.creds.D = c.Value
			}
		case "vc3":
			if c.Value != "" {
				s.creds.VC3 = c.Value
			}
		case "fid":
			if c.Value != "" {
				s.creds.Fid = c.Value
			}
		}
	}
}

func isTransient(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	// url.Error wraps dial/reset failures from the transport.
	var uerr *url.Error
	return errors.As(err, &uerr)
}
