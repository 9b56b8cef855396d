// Package testutil holds fixtures shared by package tests: a fake forward
// proxy that answers absolute-URI requests itself, and a real forwarding
// proxy backed by goproxy.
package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/elazarl/goproxy"

	"geoproxy_pool/proxypool/model"
)

// FakeProxy is an httptest server standing in for a forward proxy.
type FakeProxy struct {
	Server *httptest.Server
	Record model.ProxyRecord
}

// NewFakeProxy starts a fake proxy that serves every request with handler.
// The server is closed when the test ends.
func NewFakeProxy(t testing.TB, handler http.HandlerFunc) *FakeProxy {
	t.Helper()
	return serve(t, handler)
}

// NewForwardProxy starts a real forwarding proxy in front of an origin server
// that answers with origin. It returns the proxy and the origin URL to use as
// the probe target.
func NewForwardProxy(t testing.TB, origin http.HandlerFunc) (*FakeProxy, string) {
	t.Helper()
	originSrv := httptest.NewServer(origin)
	t.Cleanup(originSrv.Close)

	gp := goproxy.NewProxyHttpServer()
	gp.Verbose = false
	return serve(t, gp), originSrv.URL + "/ip"
}

func serve(t testing.TB, handler http.Handler) *FakeProxy {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to split fake proxy address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return &FakeProxy{
		Server: srv,
		Record: model.ProxyRecord{Address: host, Port: port, SourceID: "fake", Location: model.UnknownLocation},
	}
}

// OK answers every request with 200 and a small JSON body.
func OK(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"origin":"203.0.113.7"}`))
}

// Slow returns a handler that waits for d (or the client going away) before
// answering.
func Slow(d time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(d):
			OK(w, r)
		case <-r.Context().Done():
		}
	}
}

// Status returns a handler that always answers with code.
func Status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}
}

// ClosedRecord returns a record pointing at a local port nothing listens on.
func ClosedRecord(t testing.TB) model.ProxyRecord {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()
	return model.ProxyRecord{Address: "127.0.0.1", Port: addr.Port, SourceID: "fake", Location: model.UnknownLocation}
}
