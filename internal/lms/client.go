package lms

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	logx "lmsbot/pkg/logx"
)

const (
	DefaultPassportURL = "https://passport.yandex.ru/passport?mode=auth"
	DefaultProfileURL  = "https://passport.yandex.ru/profile"
	DefaultBaseURL     = "https://lyceum.yandex.ru"
	defaultTimeout     = 20 * time.Second
	defaultUserAgent   = "lmsbot/1.0"

	// authBodyLimit bounds how much of a failed login page AuthError keeps.
	authBodyLimit = 4 << 10
)

type Config struct {
	PassportURL string
	ProfileURL  string
	BaseURL     string
	Timeout     time.Duration
	UserAgent   string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.PassportURL) == "" {
		c.PassportURL = DefaultPassportURL
	}
	if strings.TrimSpace(c.ProfileURL) == "" {
		c.ProfileURL = DefaultProfileURL
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = defaultUserAgent
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Client creates authenticated sessions. It holds no per-user state.
type Client struct {
	cfg     Config
	base    *url.URL
	profile *url.URL
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("lms: base url: %w", err)
	}
	profile, err := url.Parse(cfg.ProfileURL)
	if err != nil {
		return nil, fmt.Errorf("lms: profile url: %w", err)
	}
	if _, err := url.Parse(cfg.PassportURL); err != nil {
		return nil, fmt.Errorf("lms: passport url: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg, base: base, profile: profile, log: log}, nil
}

// Authenticate logs in with the passport form. The login succeeded only if
// the redirect chain ends on the profile page; any other landing page
// (wrong password, captcha, 2FA challenge) yields *AuthError.
func (c *Client) Authenticate(ctx context.Context, login, password string) (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	hc := &http.Client{Jar: jar, Timeout: c.cfg.Timeout}

	form := url.Values{"login": {login}, "passwd": {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.PassportURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "auth", Err: err}
	}
	defer resp.Body.Close()

	final := resp.Request.URL
	if !sameEndpoint(final, c.profile) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, authBodyLimit))
		c.log.Debug("lms auth rejected", logx.String("location", final.String()), logx.Int("status", resp.StatusCode))
		return nil, &AuthError{Location: final.String(), Status: resp.StatusCode, Body: string(body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.log.Debug("lms auth ok", logx.Duration("took", time.Since(start)))
	return &Session{client: c, http: hc, login: login}, nil
}

func sameEndpoint(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Host, b.Host) &&
		strings.TrimRight(a.Path, "/") == strings.TrimRight(b.Path, "/")
}
