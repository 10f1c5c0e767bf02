package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/banshee-data/fieldtrack/internal/httputil"
	"github.com/banshee-data/fieldtrack/internal/timeline"
	"github.com/banshee-data/fieldtrack/internal/tracking"
)

// maxErrorBody caps how much of an error reply is quoted in errors.
const maxErrorBody = 512

// HTTPStore talks to the backend's REST API.
//
//	POST /sessions                      create
//	GET  /sessions/{id}                 fetch
//	GET  /sessions?employee_id=&status=active
//	POST /sessions/{id}/end             close
//	POST /location_points               batch upsert by id
//	POST /timeline_events               create, returns {"id": ...}
//	PUT  /timeline_events/{id}          update
//	POST /storage/sign                  {"path": ...} -> {"signed_url": ...}
type HTTPStore struct {
	client  httputil.HTTPClient
	baseURL string
	apiKey  string
}

// NewHTTPStore returns a store rooted at baseURL. apiKey, when set, is sent
// as a bearer token.
func NewHTTPStore(client httputil.HTTPClient, baseURL, apiKey string) *HTTPStore {
	return &HTTPStore{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// wireEvent carries the derived duration the backend stores alongside the
// event.
type wireEvent struct {
	timeline.Event
	DurationSeconds int64 `json:"duration_seconds"`
}

func toWire(e timeline.Event) wireEvent {
	return wireEvent{Event: e, DurationSeconds: int64(e.Duration() / time.Second)}
}

func (s *HTTPStore) CreateSession(ctx context.Context, sess tracking.Session) error {
	err := s.do(ctx, http.MethodPost, "/sessions", sess, nil)
	if statusIs(err, http.StatusConflict) {
		return fmt.Errorf("create session: %w", ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *HTTPStore) GetSession(ctx context.Context, id string) (tracking.Session, error) {
	var sess tracking.Session
	if err := s.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &sess); err != nil {
		return tracking.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

func (s *HTTPStore) GetActiveSession(ctx context.Context, employeeID string) (*tracking.Session, error) {
	q := url.Values{"employee_id": {employeeID}, "status": {string(tracking.SessionActive)}}
	var sessions []tracking.Session
	if err := s.do(ctx, http.MethodGet, "/sessions?"+q.Encode(), nil, &sessions); err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// EndSession treats 409 as success: the backend has already closed it.
func (s *HTTPStore) EndSession(ctx context.Context, end tracking.SessionEnd) error {
	err := s.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(end.SessionID)+"/end", end, nil)
	if err != nil && !statusIs(err, http.StatusConflict) {
		return fmt.Errorf("end session %s: %w", end.SessionID, err)
	}
	return nil
}

func (s *HTTPStore) UploadLocationBatch(ctx context.Context, points []tracking.LocationPoint) error {
	if len(points) == 0 {
		return nil
	}
	body := struct {
		Points []tracking.LocationPoint `json:"points"`
	}{points}
	if err := s.do(ctx, http.MethodPost, "/location_points", body, nil); err != nil {
		return fmt.Errorf("upload %d points: %w", len(points), err)
	}
	return nil
}

func (s *HTTPStore) CreateTimelineEvent(ctx context.Context, e timeline.Event) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := s.do(ctx, http.MethodPost, "/timeline_events", toWire(e), &out); err != nil {
		return "", fmt.Errorf("create timeline event: %w", err)
	}
	if out.ID == "" {
		out.ID = e.ID
	}
	return out.ID, nil
}

func (s *HTTPStore) UpdateTimelineEvent(ctx context.Context, remoteID string, e timeline.Event) error {
	if err := s.do(ctx, http.MethodPut, "/timeline_events/"+url.PathEscape(remoteID), toWire(e), nil); err != nil {
		return fmt.Errorf("update timeline event %s: %w", remoteID, err)
	}
	return nil
}

func (s *HTTPStore) SignedURL(ctx context.Context, path string) (string, error) {
	var out struct {
		URL string `json:"signed_url"`
	}
	in := map[string]string{"path": path}
	if err := s.do(ctx, http.MethodPost, "/storage/sign", in, &out); err != nil {
		return "", fmt.Errorf("sign %s: %w", path, err)
	}
	return out.URL, nil
}

// StatusError is a non-2xx reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Unwrap maps the status onto the package sentinels.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusNotFound:
		return ErrNotFound
	case e.Code == http.StatusTooManyRequests, e.Code == http.StatusRequestTimeout, e.Code >= 500:
		return ErrTransient
	}
	return nil
}

func statusIs(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func (s *HTTPStore) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
