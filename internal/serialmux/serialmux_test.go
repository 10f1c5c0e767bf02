package serialmux

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// localHostRequest creates a request that passes tsweb's loopback check.
func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
	}
	return ""
}

func TestSerialMux_SubscribeUnique(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	id1, ch1 := mux.Subscribe()
	id2, ch2 := mux.Subscribe()
	if id1 == id2 {
		t.Error("subscription IDs should be unique")
	}
	if ch1 == nil || ch2 == nil {
		t.Fatal("nil subscription channel")
	}

	mux.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Error("expected channel closed after Unsubscribe")
	}
	// Unknown ids are ignored.
	mux.Unsubscribe("missing")
}

func TestSerialMux_MonitorFansOut(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, a := mux.Subscribe()
	_, b := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.AddLines("$GPGGA,one", "", "$GPRMC,two")

	for _, ch := range []<-chan string{a, b} {
		if got := receive(t, ch); got != "$GPGGA,one" {
			t.Errorf("expected first line, got %q", got)
		}
		if got := receive(t, ch); got != "$GPRMC,two" {
			t.Errorf("expected CR stripped and blank skipped, got %q", got)
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestSerialMux_MonitorReportsEOF(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	port.AddLines("$GPGGA,last")
	port.EndOfData()

	err := mux.Monitor(context.Background())
	if !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestSerialMux_CloseClosesSubscribers(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("expected subscriber channel closed")
	}
	if err := mux.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	_, late := mux.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribe after close should return a closed channel")
	}
}

func TestSerialMux_SendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	if err := mux.SendCommand("$PMTK000*32\n"); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if got := port.Written(); got != "$PMTK000*32\r\n" {
		t.Errorf("expected CRLF terminated command, got %q", got)
	}

	port.ShortWrite = true
	if err := mux.SendCommand("x"); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("expected ErrWriteFailed, got %v", err)
	}
	port.ShortWrite = false

	port.WriteError = io.ErrClosedPipe
	if err := mux.SendCommand("x"); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("expected write error, got %v", err)
	}
}

func TestSerialMux_Configure(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	if err := mux.Configure("PMTK220,1000", "$PMTK000*32"); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	want := "$PMTK220,1000*1F\r\n$PMTK000*32\r\n"
	if got := port.Written(); got != want {
		t.Errorf("Configure wrote %q, want %q", got, want)
	}
}

func TestFormatSentence(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{"PMTK220,1000", "$PMTK220,1000*1F"},
		{"$GPGGA,already", "$GPGGA,already"},
	}
	for _, tt := range tests {
		if got := FormatSentence(tt.body); got != tt.want {
			t.Errorf("FormatSentence(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestAttachAdminRoutes_GPSCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
	}{
		{"valid command", http.MethodPost, url.Values{"command": {"PMTK220,1000"}}, http.StatusOK},
		{"missing command", http.MethodPost, url.Values{}, http.StatusBadRequest},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := localHostRequest(tt.method, "/debug/gps-command", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()
			httpMux.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}

	if !strings.Contains(port.Written(), "$PMTK220,1000*1F") {
		t.Errorf("command not written with checksum: %q", port.Written())
	}
}
