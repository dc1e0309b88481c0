package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jpalmerr/statebus"
)

// lockedBuffer is a bytes.Buffer safe for a writer and a polling reader.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// executeContext runs the root command with args, writing its stdout to out.
func executeContext(ctx context.Context, out io.Writer, stdin io.Reader, args ...string) error {
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	// cobra keeps a subcommand's context from its first run, so replace it
	for _, cmd := range rootCmd.Commands() {
		cmd.SetContext(ctx)
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(stdin)
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func execute(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out lockedBuffer
	err := executeContext(ctx, &out, stdin, args...)
	return out.String(), err
}

// startBus serves a started bus with modules foo and bar and returns it with
// the server address.
func startBus(t *testing.T) (*statebus.Bus, string) {
	t.Helper()

	schema := statebus.Schema{
		"foo": {"a": []any{1, 2, 3, 5}, "d": 0},
		"bar": {"c": true},
	}
	modules := map[string]statebus.Module{
		"foo": statebus.ModuleFunc(func(_ context.Context, h *statebus.Handle) error {
			return h.SetStatus(statebus.StatusOffline, "foo hardware not found")
		}),
		"bar": statebus.ModuleFunc(func(_ context.Context, h *statebus.Handle) error {
			return h.SetStatus(statebus.StatusOnline, "")
		}),
	}
	bus, err := statebus.New(schema, modules,
		statebus.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		statebus.WithExtension("echo", echo),
	)
	if err != nil {
		t.Fatalf("statebus.New() error = %v", err)
	}
	t.Cleanup(bus.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ts := httptest.NewServer(bus.Handler())
	t.Cleanup(ts.Close)
	return bus, ts.Listener.Addr().(*net.TCPAddr).String()
}

func TestStatusCmd(t *testing.T) {
	_, addr := startBus(t)

	output, err := execute(t, nil, "-s", addr, "status")
	if err != nil {
		t.Fatalf("status command error = %v", err)
	}

	want := "bar: online  \nfoo: offline foo hardware not found\n"
	if output != want {
		t.Errorf("output = %q, want %q", output, want)
	}
}

func TestDumpCmd(t *testing.T) {
	_, addr := startBus(t)

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "field",
			args: []string{"dump", "foo", "d"},
			want: []string{`"value": 0`, `"updateTime": 0`},
		},
		{
			name: "module",
			args: []string{"dump", "foo"},
			want: []string{`"a": {`, `"status": {`, `"offline"`},
		},
		{
			name: "all",
			args: []string{"dump-all"},
			want: []string{`"bar": {`, `"foo": {`, `"c": {`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := execute(t, nil, append([]string{"-s", addr}, tt.args...)...)
			if err != nil {
				t.Fatalf("%v error = %v", tt.args, err)
			}
			for _, phrase := range tt.want {
				if !strings.Contains(output, phrase) {
					t.Errorf("output missing %q\nGot: %s", phrase, output)
				}
			}
		})
	}
}

func TestDumpCmd_UnknownModule(t *testing.T) {
	_, addr := startBus(t)

	_, err := execute(t, nil, "-s", addr, "dump", "ghost")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("dump ghost error = %v, want 400 from server", err)
	}
}

func TestSetCmd(t *testing.T) {
	bus, addr := startBus(t)

	output, err := execute(t, nil, "-s", addr, "set", "foo", "{ d: 4 }")
	if err != nil {
		t.Fatalf("set command error = %v", err)
	}
	if output != "OK\n" {
		t.Errorf("output = %q, want OK", output)
	}

	entry, err := bus.Get("foo", "d")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.Value != float64(4) {
		t.Errorf("foo.d = %v (%T), want 4", entry.Value, entry.Value)
	}
}

func TestParseUpdate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "flow mapping", input: "{ foo: 1, bar: [1, 2] }"},
		{name: "block mapping", input: "foo: 1"},
		{name: "sequence", input: "[1, 2]", wantErr: true},
		{name: "scalar", input: "42", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "broken", input: "{ foo: ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseUpdate(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseUpdate(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeCmd(t *testing.T) {
	bus, addr := startBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out lockedBuffer
	done := make(chan error, 1)
	go func() {
		done <- executeContext(ctx, &out, nil, "-s", addr, "subscribe", "foo", "d")
	}()

	// retry the write until the subscription is registered
	deadline := time.After(3 * time.Second)
	for i := 1; !strings.Contains(out.String(), " "); i++ {
		if err := bus.Set("foo", "d", i); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("subscribe printed nothing")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("subscribe command error = %v, want nil after interrupt", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe did not return after cancel")
	}

	line := strings.SplitN(out.String(), "\n", 2)[0]
	if fields := strings.Fields(line); len(fields) != 2 || !strings.Contains(fields[0], ".") {
		t.Errorf("line = %q, want '<seconds> <value>'", line)
	}
}

func TestCallCmd(t *testing.T) {
	_, addr := startBus(t)

	output, err := execute(t, strings.NewReader("hello bus"), "-s", addr, "call", "echo")
	if err != nil {
		t.Fatalf("call command error = %v", err)
	}
	if output != "hello bus" {
		t.Errorf("output = %q, want %q", output, "hello bus")
	}
}

func TestRepeatedRunsUseFreshContext(t *testing.T) {
	_, addr := startBus(t)

	for i := 0; i < 3; i++ {
		output, err := execute(t, nil, "-s", addr, "dump", "foo", "d")
		if err != nil {
			t.Fatalf("run %d: dump error = %v", i, err)
		}
		if !strings.Contains(output, `"updateTime": 0`) {
			t.Errorf("run %d: output = %q, want the default entry", i, output)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	output, err := execute(t, nil, "version")
	if err != nil {
		t.Fatalf("version command error = %v", err)
	}
	if !strings.HasPrefix(output, "statebus dev\n") {
		t.Errorf("output = %q, want statebus dev", output)
	}
}
