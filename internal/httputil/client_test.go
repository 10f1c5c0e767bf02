package httputil

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStandardClient_NilGetsTimeout(t *testing.T) {
	client := NewStandardClient(nil, 7*time.Second)
	if client.Timeout != 7*time.Second {
		t.Errorf("timeout = %v, want 7s", client.Timeout)
	}

	custom := &http.Client{}
	if NewStandardClient(custom, time.Second).Client != custom {
		t.Error("expected custom client to be wrapped")
	}
}

func TestStandardClient_SetsUserAgent(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewStandardClient(nil, time.Second)
	client.UserAgent = "fieldtrack/test"

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp.Body.Close()
	if got != "fieldtrack/test" {
		t.Errorf("User-Agent = %q", got)
	}

	req, _ = http.NewRequest(http.MethodGet, server.URL, nil)
	req.Header.Set("User-Agent", "explicit")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp.Body.Close()
	if got != "explicit" {
		t.Errorf("explicit User-Agent overwritten: %q", got)
	}
}

func TestMockHTTPClient_QueuedResponses(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusCreated, `{"id":"a"}`).
		AddResponse(http.StatusServiceUnavailable, "down")

	for i, want := range []int{http.StatusCreated, http.StatusServiceUnavailable, http.StatusOK} {
		req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
		resp, err := mock.Do(req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("request %d: status %d, want %d", i, resp.StatusCode, want)
		}
	}
	if mock.Pending() != 0 {
		t.Errorf("pending = %d, want 0", mock.Pending())
	}
}

func TestMockHTTPClient_RecordsBody(t *testing.T) {
	mock := NewMockHTTPClient()
	req, _ := http.NewRequest(http.MethodPost, "http://example.com/api", strings.NewReader(`{"name":"test"}`))
	req.Header.Set("Authorization", "Bearer k")

	resp, err := mock.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp.Body.Close()

	reqs := mock.Requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	if reqs[0].Method != http.MethodPost || reqs[0].URL != "http://example.com/api" {
		t.Errorf("recorded %s %s", reqs[0].Method, reqs[0].URL)
	}
	if string(reqs[0].Body) != `{"name":"test"}` {
		t.Errorf("body = %q", reqs[0].Body)
	}
	if reqs[0].Header.Get("Authorization") != "Bearer k" {
		t.Errorf("auth header lost")
	}
}

func TestMockHTTPClient_ErrorResponse(t *testing.T) {
	mock := NewMockHTTPClient()
	wantErr := errors.New("connection refused")
	mock.AddErrorResponse(wantErr)

	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	if _, err := mock.Do(req); !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestMockHTTPClient_DoFunc(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusTeapot, "ignored")
	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusAccepted, Body: io.NopCloser(strings.NewReader("custom"))}, nil
	}

	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	resp, err := mock.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted || string(body) != "custom" {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("DoFunc requests should still be recorded")
	}
}

func TestMockHTTPClient_Reset(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "x")
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	resp, _ := mock.Do(req)
	resp.Body.Close()
	mock.AddResponse(http.StatusOK, "y")

	mock.Reset()
	if mock.RequestCount() != 0 || mock.Pending() != 0 {
		t.Errorf("reset left %d requests, %d pending", mock.RequestCount(), mock.Pending())
	}
}
