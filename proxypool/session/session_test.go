package session

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"geoproxy_pool/internal/testutil"
	"geoproxy_pool/proxypool/model"
)

func newTestOpener(t *testing.T) *Opener {
	t.Helper()
	o, err := NewOpener("http://verify.test/ip", time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOpener() returned an error: %v", err)
	}
	return o
}

// authProxy accepts only user:secret.
func authProxy(w http.ResponseWriter, r *http.Request) {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:secret"))
	if r.Header.Get("Proxy-Authorization") != want {
		w.Header().Set("Proxy-Authenticate", `Basic realm="proxy"`)
		w.WriteHeader(http.StatusProxyAuthRequired)
		return
	}
	testutil.OK(w, r)
}

func TestOpen_Success(t *testing.T) {
	fp := testutil.NewFakeProxy(t, testutil.OK)

	s, err := newTestOpener(t).Open(context.Background(), fp.Record, nil)
	if err != nil {
		t.Fatalf("Open() returned an error: %v", err)
	}
	defer s.Close()

	if s.ID == "" || s.Client() == nil {
		t.Error("Expected a session ID and client")
	}
	if s.ExitIP != "203.0.113.7" {
		t.Errorf("Expected exit IP '203.0.113.7', got '%s'", s.ExitIP)
	}
	if s.Record.Key() != fp.Record.Key() {
		t.Errorf("Session bound to wrong proxy: %s", s.Record.Key())
	}

	// The confirmed client keeps routing through the proxy.
	resp, err := s.Client().Get("http://elsewhere.test/")
	if err != nil {
		t.Fatalf("request through session failed: %v", err)
	}
	resp.Body.Close()
}

func TestOpen_WithCredentials(t *testing.T) {
	fp := testutil.NewFakeProxy(t, authProxy)

	s, err := newTestOpener(t).Open(context.Background(), fp.Record, &model.Credentials{Username: "user", Password: "secret"})
	if err != nil {
		t.Fatalf("Open() with valid credentials returned an error: %v", err)
	}
	s.Close()
}

func TestOpen_InvalidCredentials(t *testing.T) {
	fp := testutil.NewFakeProxy(t, authProxy)

	_, err := newTestOpener(t).Open(context.Background(), fp.Record, &model.Credentials{Username: "user", Password: "wrong-password"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Expected ErrConnectionFailed, got %v", err)
	}
	if strings.Contains(err.Error(), "wrong-password") {
		t.Errorf("Error leaks the password: %v", err)
	}
}

func TestOpen_Unreachable(t *testing.T) {
	_, err := newTestOpener(t).Open(context.Background(), testutil.ClosedRecord(t), &model.Credentials{Username: "u", Password: "hunter2"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Expected ErrConnectionFailed, got %v", err)
	}
	if strings.Contains(err.Error(), "hunter2") {
		t.Errorf("Error leaks the password: %v", err)
	}
}

func TestExitIP(t *testing.T) {
	testCases := map[string]string{
		`{"origin":"1.2.3.4"}`:          "1.2.3.4",
		`{"origin":"1.2.3.4, 5.6.7.8"}`: "1.2.3.4",
		`{"ip":"9.9.9.9"}`:              "9.9.9.9",
		`not json`:                      "",
	}
	for body, want := range testCases {
		if got := exitIP([]byte(body)); got != want {
			t.Errorf("exitIP(%s) = '%s', want '%s'", body, got, want)
		}
	}
}

func TestOpen_ThroughForwardProxy(t *testing.T) {
	fp, target := testutil.NewForwardProxy(t, testutil.OK)
	o, err := NewOpener(target, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOpener() returned an error: %v", err)
	}

	s, err := o.Open(context.Background(), fp.Record, nil)
	if err != nil {
		t.Fatalf("Open() through forward proxy returned an error: %v", err)
	}
	defer s.Close()
	if s.ExitIP != "203.0.113.7" || s.Latency <= 0 {
		t.Errorf("Unexpected session: exit_ip=%s latency=%v", s.ExitIP, s.Latency)
	}
}
