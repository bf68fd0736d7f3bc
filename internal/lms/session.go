package lms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"lmsbot/internal/notification"
	logx "lmsbot/pkg/logx"
)

const csrfCookie = "csrftoken"

// Session is one authenticated cookie jar. It belongs to a single user and
// is not safe to share across users.
type Session struct {
	client *Client
	http   *http.Client
	login  string
}

func (s *Session) Login() string { return s.login }

// FetchUnread returns the unread notifications in the order the LMS lists
// them in notificationMap.
func (s *Session) FetchUnread(ctx context.Context) ([]notification.Raw, error) {
	resp, err := s.do(ctx, http.MethodGet, "/api/notifications?isRead=false", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := decodeNotificationMap(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "fetch", Err: err}
	}
	s.client.log.Debug("lms fetched unread", logx.String("login", s.login), logx.Int("count", len(out)))
	return out, nil
}

// MarkRead marks every notification read on the LMS side.
func (s *Session) MarkRead(ctx context.Context) error {
	token := ""
	for _, c := range s.http.Jar.Cookies(s.client.base) {
		if c.Name == csrfCookie {
			token = c.Value
			break
		}
	}
	if token == "" {
		return &TransportError{Op: "mark_read", Err: errors.New("csrftoken cookie missing")}
	}
	resp, err := s.do(ctx, http.MethodPatch, "/api/notifications/read", func(r *http.Request) {
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("X-CSRF-Token", token)
	})
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (s *Session) do(ctx context.Context, method, path string, prep func(*http.Request)) (*http.Response, error) {
	op := "fetch"
	if method != http.MethodGet {
		op = "mark_read"
	}
	req, err := http.NewRequestWithContext(ctx, method, s.client.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	req.Header.Set("User-Agent", s.client.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if prep != nil {
		prep(req)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, &TransportError{Op: op, Status: resp.StatusCode, Err: ErrSessionExpired}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, &TransportError{Op: op, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	return resp, nil
}

// decodeNotificationMap walks the response with json.Decoder tokens so the
// entries of notificationMap keep their wire order.
func decodeNotificationMap(r io.Reader) ([]notification.Raw, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	var (
		out   []notification.Raw
		found bool
	)
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		if key != "notificationMap" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}
		found = true
		if out, err = decodeEntries(dec); err != nil {
			return nil, err
		}
	}
	if !found {
		return nil, errors.New("notificationMap missing")
	}
	if out == nil {
		out = []notification.Raw{}
	}
	return out, nil
}

func decodeEntries(dec *json.Decoder) ([]notification.Raw, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, errors.New("notificationMap is null")
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("notificationMap: expected object, got %v", tok)
	}
	out := []notification.Raw{}
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("notificationMap: non-integer key %q", key)
		}
		// Only broken syntax fails the batch. An entry with an unexpected
		// shape comes back with DecodeErr set and is skipped downstream.
		var entry json.RawMessage
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("notificationMap[%s]: %w", key, err)
		}
		out = append(out, notification.ParseRaw(id, entry))
	}
	return out, expectDelim(dec, '}')
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return key, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
