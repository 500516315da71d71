// Package source loads the remote page that lists the published documents.
package source

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/temoto/robotstxt"
	"golang.org/x/net/html/charset"

	"github.com/TobiSchelling/docwatch/internal/config"
	"github.com/TobiSchelling/docwatch/internal/extract"
)

const maxRedirects = 10

// ErrDisallowed is returned when robots.txt forbids fetching the page.
var ErrDisallowed = errors.New("fetching source disallowed by robots.txt")

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Code int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d %s", e.Code, http.StatusText(e.Code))
}

// Options configures a Loader.
type Options struct {
	URL           string
	Credentials   *config.Credentials
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
}

// Loader opens sessions against one source page.
type Loader struct {
	pageURL       *url.URL
	creds         *config.Credentials
	userAgent     string
	timeout       time.Duration
	respectRobots bool
	active        atomic.Int64
}

// NewLoader creates a Loader for an absolute http(s) URL.
func NewLoader(opts Options) (*Loader, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("source url must be http or https: %q", opts.URL)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "docwatch/1.0"
	}
	return &Loader{
		pageURL:       u,
		creds:         opts.Credentials,
		userAgent:     opts.UserAgent,
		timeout:       opts.Timeout,
		respectRobots: opts.RespectRobots,
	}, nil
}

// FromConfig builds a Loader from the source section of the config.
func FromConfig(cfg *config.Config) (*Loader, error) {
	return NewLoader(Options{
		URL:           cfg.Source.URL,
		Credentials:   cfg.SourceCredentials(),
		UserAgent:     cfg.Source.UserAgent,
		Timeout:       cfg.SourceTimeout(),
		RespectRobots: cfg.Source.RespectRobots,
	})
}

// URL returns the source page URL.
func (l *Loader) URL() string {
	return l.pageURL.String()
}

// ActiveSessions returns the number of sessions opened and not yet closed.
func (l *Loader) ActiveSessions() int64 {
	return l.active.Load()
}

// Session is one loading session. It owns its cookie jar and connections and
// must be closed.
type Session struct {
	loader    *Loader
	client    *http.Client
	transport *http.Transport
	closed    atomic.Bool
}

// Open acquires a new session.
func (l *Loader) Open(ctx context.Context) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	s := &Session{
		loader:    l,
		transport: transport,
		client: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   l.timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
	l.active.Add(1)

	if l.respectRobots {
		if err := s.checkRobots(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the session's connections. It is safe to call twice.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.transport.CloseIdleConnections()
	s.loader.active.Add(-1)
	return nil
}

// WithSession runs fn with a fresh session and closes it on every exit path,
// including a panic inside fn.
func (l *Loader) WithSession(ctx context.Context, fn func(*Session) error) error {
	s, err := l.Open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// Load fetches the source page and parses it. The document URL is the final
// URL after redirects.
func (s *Session) Load(ctx context.Context) (*goquery.Document, error) {
	if s.closed.Load() {
		return nil, errors.New("session closed")
	}
	l := s.loader

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.pageURL.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", l.userAgent)
	if l.creds != nil {
		req.SetBasicAuth(l.creds.Username, l.creds.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", l.pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Code: resp.StatusCode}
	}

	body, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", l.pageURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", l.pageURL, err)
	}
	doc.Url = resp.Request.URL
	return doc, nil
}

// Records loads the page in a fresh session and extracts the records inside
// the container matched by selector. A missing container is not an error.
func (l *Loader) Records(ctx context.Context, selector string) ([]extract.Record, error) {
	var records []extract.Record
	err := l.WithSession(ctx, func(s *Session) error {
		doc, err := s.Load(ctx)
		if err != nil {
			return err
		}
		records = extract.Extract(extract.FromDocument(doc, selector, doc.Url))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Session) checkRobots(ctx context.Context) error {
	l := s.loader
	robotsURL := &url.URL{Scheme: l.pageURL.Scheme, Host: l.pageURL.Host, Path: "/robots.txt"}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", l.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		log.Printf("robots.txt unavailable (ignoring): %v", err)
		return nil
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		log.Printf("robots.txt unparsable (ignoring): %v", err)
		return nil
	}

	path := l.pageURL.EscapedPath()
	if path == "" {
		path = "/"
	}
	if !data.TestAgent(path, l.userAgent) {
		return ErrDisallowed
	}
	return nil
}
