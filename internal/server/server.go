package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/jpalmerr/statebus/codec"
	"github.com/jpalmerr/statebus/framing"
	"github.com/jpalmerr/statebus/internal/store"
)

const (
	// streamWriteTimeout is the maximum time allowed for a single frame
	// write on a subscription stream. A client that cannot keep up for this
	// long is disconnected.
	streamWriteTimeout = 5 * time.Second

	// shutdownTimeout bounds graceful shutdown of in-flight requests.
	shutdownTimeout = 5 * time.Second

	defaultSubscriberBuffer = 64

	authRealm = "statebus"

	// CallPrefix is the path prefix of extension calls.
	CallPrefix = "/call/"
)

// Extension runs an out-of-band command. The request body streams into r
// and everything written to w streams back to the caller.
type Extension func(ctx context.Context, r io.Reader, w io.Writer) error

// Config holds the settings of a [Server].
type Config struct {
	// Addr is the TCP address to listen on, for example ":3018".
	Addr string

	// Auth is the "user:pass" credential required from non-loopback
	// callers. When empty only loopback callers are accepted.
	Auth string

	// Codec encodes response bodies and subscription frames. Defaults to
	// [codec.JSON].
	Codec codec.Codec

	// Extensions are served under /call/{name}.
	Extensions map[string]Extension

	// SubscriberBuffer is the number of changes queued per subscription
	// before new ones are dropped. Defaults to 64.
	SubscriberBuffer int

	Logger *slog.Logger
}

// Server exposes a [store.Store] over HTTP.
//
// Routes (all POST, body JSON):
//   - /status: [module, status, statusMessage] rows sorted by module
//   - /dumpState: the whole store, one module, or one entry
//   - /setState: write one or more keys of a module
//   - /subscribeState: framed stream of changes of one field
//   - /call/{extension}: run a registered extension
//
// The handler also speaks HTTP/2 over cleartext (h2c).
type Server struct {
	store      *store.Store
	cfg        Config
	logger     *slog.Logger
	handler    http.Handler
	httpServer *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// New creates a [Server] for st. The server is not started until
// [Server.Start] is called; [Server.Handler] can be used without starting it.
func New(st *store.Store, cfg Config) *Server {
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:  st,
		cfg:    cfg,
		logger: logger,
	}
	s.handler = h2c.NewHandler(s.authenticate(http.HandlerFunc(s.route)), &http2.Server{})
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving in a background goroutine.
//
// Start is non-blocking and returns once the listener is bound. The server
// runs until ctx is cancelled, then shuts down gracefully with a 5-second
// timeout. Returns an error if the address cannot be bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind to %s: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.httpServer = &http.Server{
		Handler: s.handler,
		// request contexts derive from ctx so streams end on shutdown
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("introspection server listening", "addr", ln.Addr().String(), "codec", s.cfg.Codec.Name())
	return nil
}

// Addr returns the bound address, or nil before [Server.Start].
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// authenticate lets loopback callers through and requires the configured
// basic-auth credential from everyone else.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isLoopback(r.RemoteAddr) || s.validCredential(r) {
			next.ServeHTTP(w, r)
			return
		}
		s.logger.Warn("introspection request rejected", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", authRealm))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

func (s *Server) validCredential(r *http.Request) bool {
	if s.cfg.Auth == "" {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	got := []byte(user + ":" + pass)
	return subtle.ConstantTimeCompare(got, []byte(s.cfg.Auth)) == 1
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// request is the JSON body accepted by the state routes.
type request struct {
	Module string         `json:"module"`
	State  string         `json:"state"`
	Update map[string]any `json:"update"`
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid method", http.StatusBadRequest)
		return
	}

	if name, ok := strings.CutPrefix(r.URL.Path, CallPrefix); ok {
		s.handleCall(w, r, name)
		return
	}

	var handle func(http.ResponseWriter, *http.Request, request)
	switch r.URL.Path {
	case "/status":
		handle = s.handleStatus
	case "/dumpState":
		handle = s.handleDump
	case "/setState":
		handle = s.handleSet
	case "/subscribeState":
		handle = s.handleSubscribe
	default:
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	req, err := decodeRequest(r.Body)
	if err != nil {
		http.Error(w, "Invalid params: "+err.Error(), http.StatusBadRequest)
		return
	}
	handle(w, r, req)
}

// decodeRequest reads a JSON request body. An empty body is an empty
// request.
func decodeRequest(body io.Reader) (request, error) {
	var req request
	data, err := io.ReadAll(body)
	if err != nil {
		return req, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return req, nil
	}
	err = json.Unmarshal(data, &req)
	return req, err
}

// StatusRow is one line of the /status response.
type StatusRow [3]string

// Statuses returns the status rows of every module in st, sorted by module
// name. Modules without a status field are skipped.
func Statuses(st *store.Store) []StatusRow {
	modules := st.Modules()
	rows := make([]StatusRow, 0, len(modules))
	for _, module := range modules {
		status, err := st.Value(module, "status")
		if err != nil {
			continue
		}
		message, _ := st.Value(module, "statusMessage")
		rows = append(rows, StatusRow{module, fmt.Sprint(status), fmt.Sprint(message)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
	return rows
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ request) {
	s.writeEncoded(w, Statuses(s.store))
}

func (s *Server) handleDump(w http.ResponseWriter, _ *http.Request, req request) {
	switch {
	case req.Module == "" && req.State == "":
		s.writeEncoded(w, s.store.Snapshot())
	case req.Module == "":
		http.Error(w, "Invalid params", http.StatusBadRequest)
	case req.State == "":
		entries, err := s.store.ModuleSnapshot(req.Module)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.writeEncoded(w, entries)
	default:
		entry, err := s.store.Get(req.Module, req.State)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.writeEncoded(w, entry)
	}
}

func (s *Server) handleSet(w http.ResponseWriter, _ *http.Request, req request) {
	if req.Module == "" || req.Update == nil {
		http.Error(w, "Invalid params", http.StatusBadRequest)
		return
	}

	// validate every key first so a bad key does not leave a partial write
	keys := make([]string, 0, len(req.Update))
	for key := range req.Update {
		if _, err := s.store.Get(req.Module, key); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := s.store.Set(req.Module, key, req.Update[key]); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	s.logger.Info("state set remotely", "module", req.Module, "keys", keys)
	s.writeEncoded(w, map[string]string{"result": "ok"})
}

// changeFrame is the payload of one subscription frame.
type changeFrame struct {
	Current  store.Entry `json:"curr"`
	Previous store.Entry `json:"prev"`
}

// handleSubscribe streams every change of one field as framed, encoded
// {curr, prev} payloads until the client disconnects or the server shuts
// down.
//
// Changes are queued per connection; when the queue is full the change is
// dropped so a slow client never blocks the bus.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, req request) {
	if req.Module == "" || req.State == "" {
		http.Error(w, "Invalid params", http.StatusBadRequest)
		return
	}
	log := s.logger.With("module", req.Module, "key", req.State, "remote_addr", r.RemoteAddr)

	rc := http.NewResponseController(w)
	deadlinesSupported := true

	writeAndFlush := func(write func(io.Writer) error) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
				// deadline not supported by underlying connection, continue without
				deadlinesSupported = false
			}
		}
		if err := write(w); err != nil {
			return err
		}
		return rc.Flush()
	}

	queue := make(chan []byte, s.cfg.SubscriberBuffer)
	unsub, err := s.store.Subscribe(req.Module, req.State, func(cur, prev store.Entry) {
		payload, err := s.cfg.Codec.Marshal(changeFrame{Current: cur, Previous: prev})
		if err != nil {
			log.Warn("failed to encode change", "error", err)
			return
		}
		select {
		case queue <- payload:
		default:
			log.Warn("subscriber queue full, change dropped")
		}
	}, false)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", s.cfg.Codec.ContentType())
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	if err := writeAndFlush(framing.WriteProbe); err != nil {
		log.Debug("subscriber gone before probe", "error", err)
		return
	}
	log.Debug("subscriber connected")

	for {
		select {
		case payload := <-queue:
			err := writeAndFlush(func(w io.Writer) error {
				return framing.WriteFrame(w, payload)
			})
			if err != nil {
				log.Debug("subscriber write failed", "error", err)
				return
			}

		case <-r.Context().Done():
			// fires on both client disconnect and server shutdown
			log.Debug("subscriber disconnected")
			return
		}
	}
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request, name string) {
	ext, ok := s.cfg.Extensions[name]
	if name == "" || !ok {
		http.Error(w, "Unknown extension", http.StatusBadRequest)
		return
	}
	log := s.logger.With("extension", name)

	w.Header().Set("Content-Type", "application/octet-stream")
	out := &flushWriter{w: w, rc: http.NewResponseController(w)}
	if err := invokeExtensionSafe(r.Context(), ext, r.Body, out, log); err != nil {
		log.Warn("extension failed", "error", err)
		if !out.wrote {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// invokeExtensionSafe runs ext, converting a panic into an error carrying a
// correlation id. The stack is logged server-side.
func invokeExtensionSafe(ctx context.Context, ext Extension, r io.Reader, w io.Writer, log *slog.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			correlationID := uuid.NewString()
			log.Error("extension panic",
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", rec),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("extension panic (correlation_id: %s)", correlationID)
		}
	}()
	return ext(ctx, r, w)
}

// flushWriter flushes after every write so extension output streams.
type flushWriter struct {
	w     io.Writer
	rc    *http.ResponseController
	wrote bool
}

func (f *flushWriter) Write(p []byte) (int, error) {
	f.wrote = true
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

func (s *Server) writeEncoded(w http.ResponseWriter, v any) {
	data, err := s.cfg.Codec.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", s.cfg.Codec.ContentType())
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(data); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}
