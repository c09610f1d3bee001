package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/broker/internal/config"
	"github.com/wudi/broker/internal/errors"
)

func TestForwardCopiesHeadersAndInjectsToken(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"cpf":"123"}`))
	}))
	defer upstream.Close()

	in := http.Header{}
	in.Set("Authorization", "Basic client-supplied")
	in.Set("X-Road-Client", "CLIENT-A")
	in.Set("Content-Type", "application/json")
	in.Add("X-Multi", "a")
	in.Add("X-Multi", "b")

	resp, err := NewForwarder(nil).Forward(context.Background(), Request{
		Method:    http.MethodPost,
		TargetURL: upstream.URL + "/cpf",
		RawQuery:  "page=2",
		Header:    in,
		Body:      []byte(`{"id":"123"}`),
		Token:     "tok-1",
		Timeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if got.Method != http.MethodPost || got.URL.Path != "/cpf" || got.URL.RawQuery != "page=2" {
		t.Errorf("upstream saw %s %s?%s", got.Method, got.URL.Path, got.URL.RawQuery)
	}
	if a := got.Header.Get("Authorization"); a != "Bearer tok-1" {
		t.Errorf("Authorization = %q", a)
	}
	if got.Header.Get("X-Road-Client") != "CLIENT-A" || got.Header.Get("Content-Type") != "application/json" {
		t.Errorf("headers not copied: %v", got.Header)
	}
	if vv := got.Header.Values("X-Multi"); len(vv) != 2 || vv[0] != "a" || vv[1] != "b" {
		t.Errorf("X-Multi = %v", vv)
	}
	if string(gotBody) != `{"id":"123"}` {
		t.Errorf("body = %q", gotBody)
	}

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Errorf("response headers = %v", resp.Header)
	}
	if string(resp.Body) != `{"cpf":"123"}` {
		t.Errorf("response body = %q", resp.Body)
	}
}

func TestForwardDoesNotSendHostOrEmptyBody(t *testing.T) {
	var host string
	var contentLength int64
	var hasCL bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host = r.Host
		contentLength = r.ContentLength
		_, hasCL = r.Header["Content-Length"]
	}))
	defer upstream.Close()

	in := http.Header{}
	in.Set("Host", "broker.internal")

	_, err := NewForwarder(nil).Forward(context.Background(), Request{
		Method:    http.MethodGet,
		TargetURL: upstream.URL + "/cpf/1",
		Header:    in,
		Token:     "t",
	})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if host == "broker.internal" {
		t.Error("inbound host forwarded")
	}
	if contentLength != 0 || hasCL {
		t.Errorf("GET carried a body: content-length %d, header %v", contentLength, hasCL)
	}
}

func TestForwardUpstreamErrorsPassThrough(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			w.Write([]byte("upstream says no"))
		}))
		resp, err := NewForwarder(nil).Forward(context.Background(), Request{Method: "GET", TargetURL: upstream.URL, Token: "t"})
		upstream.Close()
		if err != nil {
			t.Fatalf("status %d: unexpected error %v", status, err)
		}
		if resp.StatusCode != status || string(resp.Body) != "upstream says no" {
			t.Errorf("status %d: got %d %q", status, resp.StatusCode, resp.Body)
		}
	}
}

func TestForwardRedirectNotFollowed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer upstream.Close()

	resp, err := NewForwarder(nil).Forward(context.Background(), Request{Method: "GET", TargetURL: upstream.URL + "/x", Token: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/elsewhere" {
		t.Errorf("got %d location %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestForwardTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	_, err := NewForwarder(nil).Forward(context.Background(), Request{
		Method:    "GET",
		TargetURL: upstream.URL,
		Token:     "t",
		Timeout:   50 * time.Millisecond,
	})
	be, ok := errors.AsBrokerError(err)
	if !ok {
		t.Fatalf("expected BrokerError, got %v", err)
	}
	if be.Kind != errors.KindUpstreamTimeout || be.Kind.Status() != http.StatusGatewayTimeout {
		t.Errorf("kind = %v", be.Kind)
	}
	host := strings.TrimPrefix(upstream.URL, "http://")
	if !strings.Contains(be.Message, host) {
		t.Errorf("message %q does not name host %s", be.Message, host)
	}
}

func TestForwardConnectionRefused(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target := upstream.URL
	upstream.Close()

	_, err := NewForwarder(nil).Forward(context.Background(), Request{Method: "GET", TargetURL: target, Token: "t"})
	be, ok := errors.AsBrokerError(err)
	if !ok {
		t.Fatalf("expected BrokerError, got %v", err)
	}
	if be.Kind != errors.KindUpstreamConnection {
		t.Errorf("kind = %v, want upstream_connection", be.Kind)
	}
	if !strings.Contains(be.Message, strings.TrimPrefix(target, "http://")) {
		t.Errorf("message %q does not name host", be.Message)
	}
	if be.Details == "" {
		t.Error("missing root cause")
	}
}

func TestForwardAppendsQueryToTemplateQuery(t *testing.T) {
	var rawQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
	}))
	defer upstream.Close()

	_, err := NewForwarder(nil).Forward(context.Background(), Request{
		Method:    "GET",
		TargetURL: upstream.URL + "/cpf?version=2",
		RawQuery:  "page=1",
		Token:     "t",
	})
	if err != nil {
		t.Fatal(err)
	}
	if rawQuery != "version=2&page=1" {
		t.Errorf("query = %q", rawQuery)
	}
}

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport(config.DefaultConfig().Upstream.Transport)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	if tr.MaxIdleConns != 100 || tr.MaxIdleConnsPerHost != 10 {
		t.Errorf("pool settings = %d/%d", tr.MaxIdleConns, tr.MaxIdleConnsPerHost)
	}
	info := TransportInfo(tr)
	if info["max_idle_conns"] != 100 {
		t.Errorf("TransportInfo = %v", info)
	}

	if _, err := NewTransport(config.TransportConfig{CAFile: "/nonexistent/ca.pem"}); err == nil {
		t.Error("expected error for missing ca_file")
	}
}
