package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func splitHostPort(t *testing.T, addr string) (string, string) {
	t.Helper()

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", addr, err)
	}
	return host, port
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// concurrency tracks how many requests a fake is serving at once.
type concurrency struct {
	cur, max atomic.Int32
}

func (c *concurrency) enter() {
	n := c.cur.Add(1)
	for {
		m := c.max.Load()
		if n <= m || c.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (c *concurrency) leave() { c.cur.Add(-1) }

type upload struct {
	Filename string
	Body     string
}

type fakeBrick struct {
	mu       sync.Mutex
	running  any
	status   int
	delay    time.Duration
	cmds     []Command
	programs []upload
	firmware []upload
	inflight concurrency
	srv      *httptest.Server
}

func newFakeBrick(t *testing.T) *fakeBrick {
	t.Helper()

	b := &fakeBrick{running: false}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /brickinfo", b.handleInfo)
	mux.HandleFunc("POST /program", b.handleUpload(&b.programs))
	mux.HandleFunc("POST /firmware", b.handleUpload(&b.firmware))

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)

	return b
}

func (b *fakeBrick) addr() string {
	return strings.TrimPrefix(b.srv.URL, "http://")
}

func (b *fakeBrick) set(fn func(*fakeBrick)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBrick) commands() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Command(nil), b.cmds...)
}

func (b *fakeBrick) uploads(kind string) []upload {
	b.mu.Lock()
	defer b.mu.Unlock()
	if kind == "program" {
		return append([]upload(nil), b.programs...)
	}
	return append([]upload(nil), b.firmware...)
}

func (b *fakeBrick) handleInfo(w http.ResponseWriter, r *http.Request) {
	b.inflight.enter()
	defer b.inflight.leave()

	var cmd brickCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.cmds = append(b.cmds, cmd.Cmd)
	running, status, delay := b.running, b.status, b.delay
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	if status != 0 {
		w.WriteHeader(status)
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"brickname":       "Roberta",
		"firmwareversion": "1.3.2",
		"battery":         "7.9",
		"isrunning":       running,
	})
}

func (b *fakeBrick) handleUpload(into *[]upload) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.inflight.enter()
		defer b.inflight.leave()

		data, _ := io.ReadAll(r.Body)

		b.mu.Lock()
		*into = append(*into, upload{Filename: r.Header.Get(headerFilename), Body: string(data)})
		b.mu.Unlock()

		w.Write([]byte(`{"ok":true}`))
	}
}

type fakeServer struct {
	mu           sync.Mutex
	replies      []Command
	pushes       []map[string]any
	downloads    []map[string]any
	firmwareGets []string
	failFirmware map[string]int
	program      string
	block        chan struct{}
	entered      chan struct{}
	delay        time.Duration
	inflight     concurrency
	srv          *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	s := &fakeServer{
		program:      "compiled program",
		failFirmware: map[string]int{},
		entered:      make(chan struct{}, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /pushcmd", s.handlePush)
	mux.HandleFunc("POST /download", s.handleDownload)
	mux.HandleFunc("GET /update/{name}", s.handleUpdate)

	s.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		s.mu.Lock()
		if s.block != nil {
			close(s.block)
			s.block = nil
		}
		s.mu.Unlock()
		s.srv.Close()
	})

	return s
}

func (s *fakeServer) addr() string {
	return strings.TrimPrefix(s.srv.URL, "http://")
}

func (s *fakeServer) reply(cmds ...Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, cmds...)
}

func (s *fakeServer) push(i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushes[i]
}

func (s *fakeServer) download(i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads[i]
}

func (s *fakeServer) firmwareRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.firmwareGets...)
}

func (s *fakeServer) pushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pushes)
}

func (s *fakeServer) handlePush(w http.ResponseWriter, r *http.Request) {
	s.inflight.enter()
	defer s.inflight.leave()

	body := map[string]any{}
	json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.pushes = append(s.pushes, body)
	reply := CmdRepeat
	if len(s.replies) > 0 {
		reply, s.replies = s.replies[0], s.replies[1:]
	}
	block, delay := s.block, s.delay
	s.mu.Unlock()

	select {
	case s.entered <- struct{}{}:
	default:
	}

	if block != nil {
		select {
		case <-r.Context().Done():
			return
		case <-block:
		}
	}

	if delay > 0 {
		time.Sleep(delay)
	}

	json.NewEncoder(w).Encode(pushReply{Cmd: reply})
}

func (s *fakeServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.inflight.enter()
	defer s.inflight.leave()

	body := map[string]any{}
	json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.downloads = append(s.downloads, body)
	program := s.program
	s.mu.Unlock()

	w.Header().Set(headerFilename, "NEPOprog.jar")
	w.Write([]byte(program))
}

func (s *fakeServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	s.inflight.enter()
	defer s.inflight.leave()

	name := r.PathValue("name")

	s.mu.Lock()
	s.firmwareGets = append(s.firmwareGets, name)
	fail := s.failFirmware[name] > 0
	if fail {
		s.failFirmware[name]--
	}
	s.mu.Unlock()

	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set(headerFilename, name+".jar")
	w.Write([]byte("firmware " + name))
}

type recordingSink struct {
	mu         sync.Mutex
	states     []State
	tokens     []string
	connect    []bool
	indicators []Indicator
	notes      []Notification
}

func (r *recordingSink) StateChanged(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recordingSink) TokenChanged(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = append(r.tokens, token)
}

func (r *recordingSink) ConnectEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connect = append(r.connect, enabled)
}

func (r *recordingSink) IndicatorChanged(i Indicator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indicators = append(r.indicators, i)
}

func (r *recordingSink) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingSink) notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

func (r *recordingSink) connectEvents() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.connect...)
}

const testToken = "ABCD1234"

func newTestBridge(t *testing.T, brick *fakeBrick, server *fakeServer, sink Sink) *Bridge {
	t.Helper()

	return NewBridge(BridgeOptions{
		Brick:         NewBrick(brick.addr(), 200*time.Millisecond),
		DefaultServer: server.addr(),
		Firmware:      DefaultFirmware,
		Interval:      10 * time.Millisecond,
		Sink:          sink,
		NewToken:      func() string { return testToken },
	}, discardLogger())
}
