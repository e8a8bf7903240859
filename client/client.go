// Package client provides a Go client for the semabroker semaphore server.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mtingers/semabroker/internal/protocol"
)

// Sentinel errors returned by protocol operations.
var (
	ErrClosed      = errors.New("semabroker: connection closed")
	ErrMalformed   = errors.New("semabroker: malformed request")
	ErrInvalidName = errors.New("semabroker: invalid name")
	ErrUnexpected  = errors.New("semabroker: unexpected response")
	ErrNotOwner    = errors.New("semabroker: not owner")
)

// Result is the outcome the server reports for a request.
type Result = protocol.Result

const (
	Acquired         = protocol.Acquired
	AlreadyOwned     = protocol.AlreadyOwned
	Queued           = protocol.Queued
	AlreadyQueued    = protocol.AlreadyQueued
	Released         = protocol.Released
	NotOwner         = protocol.NotOwner
	MalformedRequest = protocol.MalformedRequest
)

// DefaultDialTimeout is the default timeout for establishing a TCP connection.
const DefaultDialTimeout = 10 * time.Second

// defaultKeepAlive is the interval between TCP keepalive probes.
const defaultKeepAlive = 30 * time.Second

// grantBuffer bounds promotions buffered for Grants before new ones are dropped.
const grantBuffer = 64

// ---------------------------------------------------------------------------
// Conn
// ---------------------------------------------------------------------------

// Conn is one session with the broker. Every semaphore it acquires is owned
// by this connection and released by the server when it closes.
//
// A background reader separates replies from unsolicited promotions: an
// ACQUIRED line for a name this connection is queued on is a promotion,
// anything else answers the outstanding request. Conn is safe for
// concurrent use; requests are serialized.
type Conn struct {
	mu     sync.Mutex // serializes request/reply pairs
	conn   net.Conn
	reader *bufio.Reader

	respCh  chan protocol.Message
	grantCh chan string
	done    chan struct{}

	stateMu sync.Mutex
	queued  map[string]struct{}
	waiters map[string]chan struct{}
	readErr error
}

// Dial connects to a broker at the given address (host:port).
// Uses DefaultDialTimeout and enables TCP keepalive.
func Dial(addr string) (*Conn, error) {
	dialer := &net.Dialer{
		Timeout:   DefaultDialTimeout,
		KeepAlive: defaultKeepAlive,
	}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newConn(conn), nil
}

// DialTLS connects to a broker at the given address using TLS.
func DialTLS(addr string, cfg *tls.Config) (*Conn, error) {
	dialer := &net.Dialer{
		Timeout:   DefaultDialTimeout,
		KeepAlive: defaultKeepAlive,
	}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	return newConn(conn), nil
}

func newConn(conn net.Conn) *Conn {
	c := &Conn{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		respCh:  make(chan protocol.Message, 1),
		grantCh: make(chan string, grantBuffer),
		done:    make(chan struct{}),
		queued:  make(map[string]struct{}),
		waiters: make(map[string]chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close closes the connection. The server releases everything it owned and
// drops it from every queue.
func (c *Conn) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Grants delivers the names of semaphores promoted to this connection that
// no AcquireWait call was waiting for. Closed when the connection ends.
func (c *Conn) Grants() <-chan string {
	return c.grantCh
}

// Err returns the error that ended the connection, if it has ended.
func (c *Conn) Err() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.readErr
}

// readLine reads a single newline-terminated line, enforcing
// protocol.MaxLineBytes to prevent unbounded allocation.
func (c *Conn) readLine() (string, error) {
	var buf []byte
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if len(buf) >= protocol.MaxLineBytes {
			return "", fmt.Errorf("semabroker: server line too long")
		}
		buf = append(buf, b)
	}
	return strings.TrimRight(string(buf), "\r"), nil
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.grantCh)
	for {
		line, err := c.readLine()
		if err != nil {
			c.stateMu.Lock()
			c.readErr = err
			c.stateMu.Unlock()
			return
		}
		msg, err := protocol.ParseMessage(line)
		if err != nil {
			continue // not ours to interpret; drop
		}
		if c.route(msg) {
			continue
		}
		select {
		case c.respCh <- msg:
		default:
			// Drop unexpected response to prevent readLoop from blocking.
		}
	}
}

// route updates the queued set from msg and reports whether msg was a
// promotion rather than a reply.
func (c *Conn) route(msg protocol.Message) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	switch msg.Result {
	case protocol.Queued, protocol.AlreadyQueued:
		c.queued[msg.Name] = struct{}{}
		return false
	case protocol.Acquired:
		if _, ok := c.queued[msg.Name]; !ok {
			return false
		}
	default:
		return false
	}

	delete(c.queued, msg.Name)
	if w, ok := c.waiters[msg.Name]; ok {
		delete(c.waiters, msg.Name)
		w <- struct{}{}
		return true
	}
	select {
	case c.grantCh <- msg.Name:
	default:
	}
	return true
}

// Queued reports whether this connection is waiting on name.
func (c *Conn) Queued(name string) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	_, ok := c.queued[name]
	return ok
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return fmt.Errorf("%w: contains whitespace", ErrInvalidName)
	}
	if len(name) > protocol.MaxLineBytes-len(protocol.VerbRelease)-1 {
		return fmt.Errorf("%w: too long", ErrInvalidName)
	}
	return nil
}

// do sends one request and waits for its reply.
func (c *Conn) do(verb protocol.Verb, name string) (Result, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// Drain any stale reply left from a previous race to prevent desync.
	select {
	case <-c.respCh:
	default:
	}
	if _, err := c.conn.Write(protocol.FormatRequest(verb, name)); err != nil {
		return 0, err
	}

	var msg protocol.Message
	select {
	case msg = <-c.respCh:
	case <-c.done:
		// The reply may have arrived just before readLoop exited.
		select {
		case msg = <-c.respCh:
		default:
			return 0, ErrClosed
		}
	}

	if msg.Result == protocol.MalformedRequest {
		return msg.Result, fmt.Errorf("%w: %s %s", ErrMalformed, verb, name)
	}
	if msg.Name != name {
		return msg.Result, fmt.Errorf("%w: %s for %s %s", ErrUnexpected, msg, verb, name)
	}
	return msg.Result, nil
}

// Acquire requests name. The result is Acquired or AlreadyOwned when the
// connection owns it, Queued or AlreadyQueued when it waits; a later
// promotion arrives on Grants unless AcquireWait is used.
func (c *Conn) Acquire(name string) (Result, error) {
	res, err := c.do(protocol.VerbAcquire, name)
	if err != nil {
		return res, err
	}
	switch res {
	case protocol.Acquired, protocol.AlreadyOwned, protocol.Queued, protocol.AlreadyQueued:
		return res, nil
	}
	return res, fmt.Errorf("%w: acquire: %s", ErrUnexpected, res)
}

// Release gives up name. A connection that does not own it gets ErrNotOwner.
func (c *Conn) Release(name string) error {
	res, err := c.do(protocol.VerbRelease, name)
	if err != nil {
		return err
	}
	switch res {
	case protocol.Released:
		return nil
	case protocol.NotOwner:
		return fmt.Errorf("%w: %s", ErrNotOwner, name)
	}
	return fmt.Errorf("%w: release: %s", ErrUnexpected, res)
}

// AcquireWait blocks until this connection owns name, ctx is done, or the
// connection ends. Cancelling ctx does not leave the queue; the eventual
// promotion is delivered on Grants. Close the connection to give up the
// queue position.
func (c *Conn) AcquireWait(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	w := make(chan struct{}, 1)
	c.stateMu.Lock()
	if _, busy := c.waiters[name]; busy {
		c.stateMu.Unlock()
		return fmt.Errorf("semabroker: concurrent AcquireWait on %q", name)
	}
	c.waiters[name] = w
	c.stateMu.Unlock()

	res, err := c.Acquire(name)
	if err != nil || res == protocol.Acquired || res == protocol.AlreadyOwned {
		c.dropWaiter(name, w)
		return err
	}

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		if c.dropWaiter(name, w) {
			return nil
		}
		return ctx.Err()
	case <-c.done:
		if c.dropWaiter(name, w) {
			return nil
		}
		return ErrClosed
	}
}

// dropWaiter unregisters w and reports whether a promotion reached it first.
func (c *Conn) dropWaiter(name string, w chan struct{}) bool {
	c.stateMu.Lock()
	if c.waiters[name] == w {
		delete(c.waiters, name)
	}
	c.stateMu.Unlock()
	select {
	case <-w:
		return true
	default:
		return false
	}
}
