package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtingers/semabroker/internal/config"
	"github.com/mtingers/semabroker/internal/metrics"
	"github.com/mtingers/semabroker/internal/protocol"
	"github.com/mtingers/semabroker/internal/semaphore"
	"github.com/mtingers/semabroker/internal/testutil"
)

func testConfig() *config.Config {
	return &config.Config{
		Host:            "127.0.0.1",
		Port:            0,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
		OutboxSize:      64,
		GCInterval:      100 * time.Millisecond,
		GCMaxIdle:       60 * time.Second,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newServer(cfg *config.Config) (*Server, *semaphore.Registry) {
	log := testLogger()
	m := metrics.New()
	reg := semaphore.NewRegistry(cfg, log, m)
	return New(reg, cfg, log, m), reg
}

// startServer creates a server on a random port and returns a cleanup func,
// the address and the registry backing it.
func startServer(t *testing.T, cfg *config.Config) (func(), string, *semaphore.Registry) {
	t.Helper()
	srv, reg := newServer(cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.RunOnListener(ctx, ln)
	}()

	cleanup := func() {
		cancel()
		<-done
	}
	return cleanup, addr, reg
}

type client struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) send(t *testing.T, line string) {
	t.Helper()
	if _, err := fmt.Fprintf(c.conn, "%s\n", line); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *client) read(t *testing.T) string {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// cmd sends one request line and reads one response line.
func (c *client) cmd(t *testing.T, line string) string {
	t.Helper()
	c.send(t, line)
	return c.read(t)
}

func (c *client) expect(t *testing.T, line, want string) {
	t.Helper()
	if got := c.cmd(t, line); got != want {
		t.Fatalf("%q: got %q, want %q", line, got, want)
	}
}

// expectSilence asserts nothing arrives on c for d.
func (c *client) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(d))
	line, err := c.reader.ReadString('\n')
	if err == nil {
		t.Fatalf("unexpected line %q", line)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func unlocked(reg *semaphore.Registry, name string) func() bool {
	return func() bool {
		snap, ok := reg.Lookup(name)
		return ok && !snap.Locked
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestIntegration_AcquireAndRelease(t *testing.T) {
	cleanup, addr, _ := startServer(t, testConfig())
	defer cleanup()

	a := dial(t, addr)
	a.expect(t, "acquire mykey", "ACQUIRED mykey")
	a.expect(t, "acquire mykey", "ALREADY_OWNED mykey")
	a.expect(t, "release mykey", "RELEASED mykey")
	a.expect(t, "release mykey", "NOT_OWNER mykey")
}

func TestIntegration_HandoffScenario(t *testing.T) {
	cleanup, addr, reg := startServer(t, testConfig())
	defer cleanup()

	a := dial(t, addr)
	b := dial(t, addr)

	a.expect(t, "acquire db", "ACQUIRED db")
	b.expect(t, "acquire db", "QUEUED db")
	a.expect(t, "release db", "RELEASED db")

	// Unsolicited promotion.
	if got := b.read(t); got != "ACQUIRED db" {
		t.Fatalf("promotion: got %q", got)
	}
	b.expect(t, "release db", "RELEASED db")

	snap, ok := reg.Lookup("db")
	if !ok || snap.Locked || len(snap.Waiting) != 0 {
		t.Fatalf("db not released: %+v", snap)
	}
}

func TestIntegration_DisconnectDoesNotLeak(t *testing.T) {
	cleanup, addr, reg := startServer(t, testConfig())
	defer cleanup()

	a := dial(t, addr)
	a.expect(t, "acquire x", "ACQUIRED x")
	a.conn.Close()
	waitFor(t, "x to be released", unlocked(reg, "x"))

	c := dial(t, addr)
	c.expect(t, "acquire x", "ACQUIRED x")
}

func TestIntegration_DisconnectPromotesWaiter(t *testing.T) {
	cleanup, addr, _ := startServer(t, testConfig())
	defer cleanup()

	a := dial(t, addr)
	b := dial(t, addr)
	a.expect(t, "acquire x", "ACQUIRED x")
	b.expect(t, "acquire x", "QUEUED x")

	a.conn.Close()
	if got := b.read(t); got != "ACQUIRED x" {
		t.Fatalf("promotion after disconnect: got %q", got)
	}
}

func TestIntegration_DisconnectWhileQueued(t *testing.T) {
	cleanup, addr, reg := startServer(t, testConfig())
	defer cleanup()

	a := dial(t, addr)
	b := dial(t, addr)
	c := dial(t, addr)
	a.expect(t, "acquire x", "ACQUIRED x")
	b.expect(t, "acquire x", "QUEUED x")
	c.expect(t, "acquire x", "QUEUED x")

	b.conn.Close()
	waitFor(t, "b to leave the queue", func() bool {
		snap, _ := reg.Lookup("x")
		return len(snap.Waiting) == 1
	})

	a.expect(t, "release x", "RELEASED x")
	if got := c.read(t); got != "ACQUIRED x" {
		t.Fatalf("c promotion: got %q", got)
	}
}

func TestIntegration_FIFOOrdering(t *testing.T) {
	cleanup, addr, _ := startServer(t, testConfig())
	defer cleanup()

	owner := dial(t, addr)
	owner.expect(t, "acquire k", "ACQUIRED k")

	waiters := make([]*client, 3)
	for i := range waiters {
		waiters[i] = dial(t, addr)
		waiters[i].expect(t, "acquire k", "QUEUED k")
	}

	owner.expect(t, "release k", "RELEASED k")
	for i, w := range waiters {
		if got := w.read(t); got != "ACQUIRED k" {
			t.Fatalf("waiter %d: got %q", i, got)
		}
		for _, later := range waiters[i+1:] {
			later.expectSilence(t, 20*time.Millisecond)
		}
		w.expect(t, "release k", "RELEASED k")
	}
}

func TestIntegration_AlreadyQueued(t *testing.T) {
	cleanup, addr, reg := startServer(t, testConfig())
	defer cleanup()

	a := dial(t, addr)
	b := dial(t, addr)
	a.expect(t, "acquire x", "ACQUIRED x")
	b.expect(t, "acquire x", "QUEUED x")
	b.expect(t, "acquire x", "ALREADY_QUEUED x")
	b.expect(t, "release x", "NOT_OWNER x")

	snap, _ := reg.Lookup("x")
	if len(snap.Waiting) != 1 {
		t.Fatalf("queue length %d, want 1", len(snap.Waiting))
	}
}

func TestIntegration_Malformed(t *testing.T) {
	cleanup, addr, _ := startServer(t, testConfig())
	defer cleanup()

	a := dial(t, addr)
	tests := []struct {
		line string
		want string
	}{
		{"lock x", "MALFORMED_REQUEST x"},
		{"acquire", "MALFORMED_REQUEST -"},
		{"acquire a b", "MALFORMED_REQUEST -"},
		{"ACQUIRE x", "MALFORMED_REQUEST x"},
		{"", "MALFORMED_REQUEST -"},
	}
	for _, tt := range tests {
		a.expect(t, tt.line, tt.want)
	}

	// Session survives malformed input.
	a.expect(t, "acquire x", "ACQUIRED x")
}

func TestIntegration_DashIsAName(t *testing.T) {
	cleanup, addr, _ := startServer(t, testConfig())
	defer cleanup()

	a := dial(t, addr)
	a.expect(t, "acquire -", "ACQUIRED -")
	// Same text as the nameless malformed reply; only request order tells
	// them apart.
	a.expect(t, "acquire", "MALFORMED_REQUEST -")
	a.expect(t, "acquire -", "ALREADY_OWNED -")
	a.expect(t, "release -", "RELEASED -")
}

func TestIntegration_CRLF(t *testing.T) {
	cleanup, addr, _ := startServer(t, testConfig())
	defer cleanup()

	a := dial(t, addr)
	if _, err := a.conn.Write([]byte("acquire x\r\n")); err != nil {
		t.Fatal(err)
	}
	if got := a.read(t); got != "ACQUIRED x" {
		t.Fatalf("got %q", got)
	}
}

func TestIntegration_LineTooLongDisconnects(t *testing.T) {
	cleanup, addr, reg := startServer(t, testConfig())
	defer cleanup()

	a := dial(t, addr)
	a.expect(t, "acquire held", "ACQUIRED held")
	a.send(t, "acquire "+strings.Repeat("n", protocol.MaxLineBytes))

	a.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if line, err := a.reader.ReadString('\n'); err == nil {
		t.Fatalf("expected disconnect, got %q", line)
	}
	waitFor(t, "held to be released", unlocked(reg, "held"))
}

func TestIntegration_UnterminatedLineDisconnects(t *testing.T) {
	cleanup, addr, reg := startServer(t, testConfig())
	defer cleanup()

	a := dial(t, addr)
	a.expect(t, "acquire held", "ACQUIRED held")

	// Far past the limit and never a newline. Write errors are expected once
	// the server hangs up.
	chunk := []byte(strings.Repeat("n", 16*1024))
	a.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	for range 4 {
		if _, err := a.conn.Write(chunk); err != nil {
			break
		}
	}

	// Shorter than the server's read timeout, so only the length limit can
	// explain a hangup.
	a.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := a.reader.ReadString('\n')
	if err == nil {
		t.Fatal("expected disconnect")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("server kept the connection open")
	}
	waitFor(t, "held to be released", unlocked(reg, "held"))
}

func TestIntegration_ReadTimeoutDisconnects(t *testing.T) {
	cfg := testConfig()
	cfg.ReadTimeout = 100 * time.Millisecond
	cleanup, addr, reg := startServer(t, cfg)
	defer cleanup()

	a := dial(t, addr)
	a.expect(t, "acquire x", "ACQUIRED x")
	waitFor(t, "idle session to be dropped", unlocked(reg, "x"))
}

func TestIntegration_ConcurrentExclusivity(t *testing.T) {
	cleanup, addr, _ := startServer(t, testConfig())
	defer cleanup()

	const n = 10
	clients := make([]*client, n)
	for i := range clients {
		clients[i] = dial(t, addr)
	}

	results := make([]string, n)
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fmt.Fprintf(c.conn, "acquire shared\n"); err != nil {
				return
			}
			c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			line, _ := c.reader.ReadString('\n')
			results[i] = strings.TrimSpace(line)
		}()
	}
	wg.Wait()

	var acquired, queued int
	for _, r := range results {
		switch r {
		case "ACQUIRED shared":
			acquired++
		case "QUEUED shared":
			queued++
		default:
			t.Fatalf("unexpected reply %q", r)
		}
	}
	if acquired != 1 || queued != n-1 {
		t.Fatalf("acquired=%d queued=%d", acquired, queued)
	}
}

func TestIntegration_SlowConsumerCascades(t *testing.T) {
	cfg := testConfig()
	cfg.OutboxSize = 1
	reg := semaphore.NewRegistry(cfg, testLogger(), nil)

	owner := semaphore.NewHandle(100)
	reg.Attach(owner, senderFunc(func(protocol.Message) error { return nil }))
	reg.Acquire("x", owner)

	// A session whose outbox is already full is treated as gone.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slow := semaphore.NewHandle(101)
	out := newOutbox(cfg.OutboxSize, ctx.Done(), cancel)
	out.ch <- protocol.Message{Result: protocol.Queued, Name: "filler"}
	reg.Attach(slow, out)
	reg.Acquire("x", slow)

	live := semaphore.NewHandle(102)
	var got []protocol.Message
	reg.Attach(live, senderFunc(func(m protocol.Message) error {
		got = append(got, m)
		return nil
	}))
	reg.Acquire("x", live)

	reg.Release("x", owner)

	snap, _ := reg.Lookup("x")
	if snap.Owner != live {
		t.Fatalf("owner = %v, want %v", snap.Owner, live)
	}
	if ctx.Err() == nil {
		t.Fatal("slow session was not cancelled")
	}
	if len(got) != 2 || got[1].Result != protocol.Acquired {
		t.Fatalf("live waiter messages: %v", got)
	}
}

type senderFunc func(protocol.Message) error

func (f senderFunc) Send(m protocol.Message) error { return f(m) }

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

func TestIntegration_Stats(t *testing.T) {
	cfg := testConfig()
	srv, _ := newServer(cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.RunOnListener(ctx, ln)
	}()
	defer func() {
		cancel()
		<-done
	}()

	a := dial(t, ln.Addr().String())
	b := dial(t, ln.Addr().String())
	a.expect(t, "acquire s1", "ACQUIRED s1")
	b.expect(t, "acquire s1", "QUEUED s1")
	b.expect(t, "release idle", "NOT_OWNER idle")

	st := srv.Stats()
	if st.Connections != 2 || srv.ConnCount() != 2 {
		t.Fatalf("connections = %d", st.Connections)
	}
	if len(st.Held) != 1 || st.Held[0].Name != "s1" || st.Held[0].Waiters != 1 {
		t.Fatalf("held = %+v", st.Held)
	}
	if len(st.Idle) != 1 || st.Idle[0].Name != "idle" {
		t.Fatalf("idle = %+v", st.Idle)
	}
}

// ---------------------------------------------------------------------------
// TLS
// ---------------------------------------------------------------------------

// startTLSServer creates a server on a TLS listener and returns the address
// and client TLS config.
func startTLSServer(t *testing.T, cfg *config.Config) (func(), string, *tls.Config) {
	t.Helper()
	srv, _ := newServer(cfg)

	serverTLS, clientTLS := testutil.SelfSignedTLS(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	tlsLn := tls.NewListener(ln, serverTLS)
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.RunOnListener(ctx, tlsLn)
	}()

	cleanup := func() {
		cancel()
		<-done
	}
	return cleanup, addr, clientTLS
}

func TestIntegration_TLS_AcquireAndRelease(t *testing.T) {
	cleanup, addr, clientTLS := startTLSServer(t, testConfig())
	defer cleanup()

	conn, err := tls.Dial("tcp", addr, clientTLS)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	c := &client{conn: conn, reader: bufio.NewReader(conn)}

	c.expect(t, "acquire mykey", "ACQUIRED mykey")
	c.expect(t, "release mykey", "RELEASED mykey")
}

func TestIntegration_TLS_PlainClientRejected(t *testing.T) {
	cleanup, addr, _ := startTLSServer(t, testConfig())
	defer cleanup()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.Write([]byte("acquire mykey\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err == nil && strings.HasPrefix(line, "ACQUIRED") {
		t.Fatalf("plain client got a grant over a TLS listener: %q", line)
	}
}

func TestIntegration_TLS_FromFiles(t *testing.T) {
	cert := testutil.NewCert(t)
	cfg := testConfig()
	cfg.TLSCert, cfg.TLSKey = cert.WriteFiles(t)

	// Reserve a free port, then let Run bind it.
	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Port = free.Addr().(*net.TCPAddr).Port
	free.Close()

	srv, _ := newServer(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	var conn *tls.Conn
	waitFor(t, "TLS listener", func() bool {
		conn, err = tls.Dial("tcp", cfg.Addr(), cert.ClientConfig())
		return err == nil
	})
	defer conn.Close()
	c := &client{conn: conn, reader: bufio.NewReader(conn)}
	c.expect(t, "acquire f", "ACQUIRED f")
}

func TestIntegration_TLS_ValidationError(t *testing.T) {
	cfg := testConfig()
	cfg.TLSCert = "/tmp/nonexistent.pem"
	// Only cert set, no key.
	srv, _ := newServer(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := srv.Run(ctx)
	if err == nil {
		t.Fatal("expected error when only --tls-cert is set")
	}
	if !strings.Contains(err.Error(), "both --tls-cert and --tls-key must be provided") {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Connection limits and shutdown
// ---------------------------------------------------------------------------

func TestIntegration_MaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 2
	cleanup, addr, _ := startServer(t, cfg)
	defer cleanup()

	c1 := dial(t, addr)
	c2 := dial(t, addr)
	c1.expect(t, "acquire key1", "ACQUIRED key1")
	c2.expect(t, "acquire key2", "ACQUIRED key2")

	// Third connection should be rejected (closed immediately)
	c3 := dial(t, addr)
	c3.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := c3.conn.Read(buf); err == nil {
		t.Fatal("expected conn3 to be closed by server")
	}

	c1.conn.Close()
	time.Sleep(100 * time.Millisecond)

	c4 := dial(t, addr)
	c4.expect(t, "acquire key1", "ACQUIRED key1")
}

func TestIntegration_GracefulShutdown_DrainCompletes(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownTimeout = 5 * time.Second
	srv, _ := newServer(cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.RunOnListener(ctx, ln)
	}()

	c := dial(t, ln.Addr().String())
	c.expect(t, "acquire mykey", "ACQUIRED mykey")
	c.expect(t, "release mykey", "RELEASED mykey")
	c.conn.Close()

	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down within expected time")
	}
}

func TestIntegration_GracefulShutdown_ForceClose(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownTimeout = 100 * time.Millisecond
	cfg.ReadTimeout = 30 * time.Second
	srv, _ := newServer(cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.RunOnListener(ctx, ln)
	}()

	c1 := dial(t, ln.Addr().String())
	c2 := dial(t, ln.Addr().String())
	c1.expect(t, "acquire mykey", "ACQUIRED mykey")
	c2.expect(t, "acquire mykey", "QUEUED mykey")

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down within expected time after force-close")
	}

	c2.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err := c2.reader.ReadString('\n'); err != nil {
			break
		}
	}
}
