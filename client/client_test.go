package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/http/httptrace"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/http2"

	"github.com/jpalmerr/statebus/codec"
	"github.com/jpalmerr/statebus/internal/server"
	"github.com/jpalmerr/statebus/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer serves a store with modules foo and bar over httptest.
func newTestServer(t *testing.T, cfg server.Config) (*store.Store, *httptest.Server) {
	t.Helper()
	st := store.New(store.Schema{
		"foo": {"status": "online", "statusMessage": "", "e": float64(0)},
		"bar": {"status": "failure", "statusMessage": "Init Error: boom"},
	}, store.WithLogger(testLogger()))
	t.Cleanup(st.Close)

	cfg.Logger = testLogger()
	ts := httptest.NewServer(server.New(st, cfg).Handler())
	t.Cleanup(ts.Close)
	return st, ts
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_BaseURL(t *testing.T) {
	tests := []struct {
		server string
		want   string
	}{
		{server: "localhost:3018", want: "http://localhost:3018"},
		{server: "http://10.0.0.1:80/", want: "http://10.0.0.1:80"},
		{server: "https://bus.example.com", want: "https://bus.example.com"},
	}
	for _, tt := range tests {
		if got := New(tt.server).baseURL; got != tt.want {
			t.Errorf("New(%q).baseURL = %q, want %q", tt.server, got, tt.want)
		}
	}
}

func TestClient_Status(t *testing.T) {
	for _, cd := range []codec.Codec{codec.JSON, codec.CBOR} {
		t.Run(cd.Name(), func(t *testing.T) {
			_, ts := newTestServer(t, server.Config{Codec: cd})
			c := New(ts.URL)
			defer c.Close()

			rows, err := c.Status(testCtx(t))
			if err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			want := []StatusRow{
				{"bar", "failure", "Init Error: boom"},
				{"foo", "online", ""},
			}
			if diff := cmp.Diff(want, rows); diff != "" {
				t.Errorf("Status() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClient_SetAndDump(t *testing.T) {
	for _, cd := range []codec.Codec{codec.JSON, codec.CBOR} {
		t.Run(cd.Name(), func(t *testing.T) {
			_, ts := newTestServer(t, server.Config{Codec: cd})
			c := New(ts.URL)
			ctx := testCtx(t)

			if err := c.Set(ctx, "foo", map[string]any{"e": 7}); err != nil {
				t.Fatalf("Set() error = %v", err)
			}

			entry, err := c.Dump(ctx, "foo", "e")
			if err != nil {
				t.Fatalf("Dump() error = %v", err)
			}
			// numbers written through JSON are stored as float64
			if got := toFloat(entry.Value); got != 7 {
				t.Errorf("foo.e = %v, want 7", entry.Value)
			}
			if entry.UpdateTime == 0 {
				t.Error("UpdateTime = 0 after Set")
			}

			mod, err := c.DumpModule(ctx, "bar")
			if err != nil {
				t.Fatalf("DumpModule() error = %v", err)
			}
			if mod["statusMessage"].Value != "Init Error: boom" {
				t.Errorf("bar.statusMessage = %v", mod["statusMessage"].Value)
			}

			all, err := c.DumpAll(ctx)
			if err != nil {
				t.Fatalf("DumpAll() error = %v", err)
			}
			if len(all) != 2 {
				t.Errorf("DumpAll() returned %d modules, want 2", len(all))
			}
		})
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case uint64:
		return float64(n)
	case int64:
		return float64(n)
	}
	return -1
}

func TestClient_StatusError(t *testing.T) {
	_, ts := newTestServer(t, server.Config{})
	c := New(ts.URL)

	_, err := c.Dump(testCtx(t), "nope", "e")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Dump() error = %v, want *StatusError", err)
	}
	if se.Code != http.StatusBadRequest || !strings.Contains(se.Message, "unknown module") {
		t.Errorf("StatusError = %+v, want 400 unknown module", se)
	}
}

func TestClient_Subscribe(t *testing.T) {
	for _, cd := range []codec.Codec{codec.JSON, codec.CBOR} {
		t.Run(cd.Name(), func(t *testing.T) {
			st, ts := newTestServer(t, server.Config{Codec: cd})
			c := New(ts.URL)

			ctx, cancel := context.WithCancel(testCtx(t))
			defer cancel()

			got := make(chan Change, 4)
			errc := make(chan error, 1)
			go func() {
				errc <- c.Subscribe(ctx, "foo", "e", func(ch Change) error {
					select {
					case got <- ch:
					default:
					}
					return nil
				})
			}()

			// retry the write until the subscription is registered
			var first Change
			deadline := time.After(3 * time.Second)
		wait:
			for i := 1; ; i++ {
				_ = st.Set("foo", "e", float64(i))
				select {
				case first = <-got:
					break wait
				case <-time.After(20 * time.Millisecond):
				case <-deadline:
					t.Fatal("no change received")
				}
			}
			if toFloat(first.Current.Value) < 1 {
				t.Errorf("Current = %v, want a written value", first.Current.Value)
			}

			cancel()
			select {
			case err := <-errc:
				if !errors.Is(err, context.Canceled) {
					t.Errorf("Subscribe() error = %v, want context.Canceled", err)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("Subscribe() did not return after cancel")
			}
		})
	}
}

func TestClient_SubscribeCallbackError(t *testing.T) {
	st, ts := newTestServer(t, server.Config{})
	c := New(ts.URL)

	stop := errors.New("stop")
	errc := make(chan error, 1)
	go func() {
		errc <- c.Subscribe(testCtx(t), "foo", "e", func(Change) error { return stop })
	}()

	deadline := time.After(3 * time.Second)
	for {
		_ = st.Set("foo", "e", float64(1))
		select {
		case err := <-errc:
			if !errors.Is(err, stop) {
				t.Errorf("Subscribe() error = %v, want callback error", err)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("Subscribe() did not return the callback error")
		}
	}
}

func TestClient_Call(t *testing.T) {
	upper := func(_ context.Context, r io.Reader, w io.Writer) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		_, err = w.Write(bytes.ToUpper(data))
		return err
	}
	_, ts := newTestServer(t, server.Config{Extensions: map[string]server.Extension{"upper": upper}})
	c := New(ts.URL)

	var out bytes.Buffer
	if err := c.Call(testCtx(t), "upper", strings.NewReader("hello"), &out); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out.String() != "HELLO" {
		t.Errorf("Call() output = %q, want HELLO", out.String())
	}

	err := c.Call(testCtx(t), "missing", nil, io.Discard)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Errorf("Call(missing) error = %v, want 400 StatusError", err)
	}
}

func TestClient_AuthHeader(t *testing.T) {
	var gotUser, gotPass string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer ts.Close()

	c := New(ts.URL, WithAuth("admin:secret"))
	if _, err := c.Status(testCtx(t)); err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if gotUser != "admin" || gotPass != "secret" {
		t.Errorf("basic auth = (%q, %q), want (admin, secret)", gotUser, gotPass)
	}
}

func TestClient_H2C(t *testing.T) {
	_, ts := newTestServer(t, server.Config{})

	// a prior-knowledge HTTP/2 transport only succeeds against an h2c server
	c := New(ts.URL, WithH2C())
	if _, ok := c.httpClient.Transport.(*http2.Transport); !ok {
		t.Fatalf("transport = %T, want *http2.Transport", c.httpClient.Transport)
	}
	rows, err := c.Status(testCtx(t))
	if err != nil {
		t.Fatalf("Status() over h2c error = %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("Status() returned %d rows, want 2", len(rows))
	}
}

// TestClient_ConnectionReuse verifies that sequential requests reuse pooled
// connections.
func TestClient_ConnectionReuse(t *testing.T) {
	_, ts := newTestServer(t, server.Config{})
	c := New(ts.URL)
	defer c.Close()

	var reusedCount int
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Reused {
				reusedCount++
			}
		},
	}

	const numRequests = 5
	for i := 0; i < numRequests; i++ {
		ctx := httptrace.WithClientTrace(testCtx(t), trace)
		if _, err := c.Status(ctx); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}

	expectedMinReuse := numRequests - 2 // allow some tolerance
	if reusedCount < expectedMinReuse {
		t.Errorf("expected at least %d reused connections, got %d out of %d requests",
			expectedMinReuse, reusedCount, numRequests)
	}
}

// TestClient_Close_NilClient verifies that Close() handles nil receiver safely.
func TestClient_Close_NilClient(t *testing.T) {
	var c *Client
	c.Close()
}
