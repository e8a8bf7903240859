package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/mtingers/semabroker/internal/protocol"
	"github.com/mtingers/semabroker/internal/semaphore"
)

// outbox is the per-connection Sender. Messages are queued without blocking
// and written by the session's writer goroutine in order.
type outbox struct {
	ch   chan protocol.Message
	done <-chan struct{}
	kill context.CancelFunc
}

func newOutbox(size int, done <-chan struct{}, kill context.CancelFunc) *outbox {
	if size <= 0 {
		size = 1
	}
	return &outbox{ch: make(chan protocol.Message, size), done: done, kill: kill}
}

// Send queues m. A closed session or a full queue reports the peer as gone;
// a full queue also ends the session.
func (o *outbox) Send(m protocol.Message) error {
	select {
	case <-o.done:
		return semaphore.ErrPeerGone
	default:
	}
	select {
	case o.ch <- m:
		return nil
	default:
		o.kill()
		return fmt.Errorf("outbox full: %w", semaphore.ErrPeerGone)
	}
}

// writeLoop drains out onto conn until the session ends, flushes whatever is
// still queued, then closes conn so the reader unblocks.
func (s *Server) writeLoop(ctx context.Context, conn net.Conn, out *outbox, h semaphore.Handle) {
	defer conn.Close()
	for {
		select {
		case m := <-out.ch:
			if err := s.writeResponse(conn, protocol.FormatMessage(m)); err != nil {
				s.log.Debug("write error, disconnecting", "conn_id", h.ID, "session", h.Session, "err", err)
				out.kill()
				return
			}
		case <-ctx.Done():
			for {
				select {
				case m := <-out.ch:
					if err := s.writeResponse(conn, protocol.FormatMessage(m)); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, connID uint64) {
	peer := conn.RemoteAddr().String()
	h := semaphore.NewHandle(connID)
	s.log.Debug("client connected", "peer", peer, "conn_id", connID, "session", h.Session)
	s.metrics.SessionOpened()

	// Sessions outlive server cancellation; drain force-closes them.
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	out := newOutbox(s.cfg.OutboxSize, sessCtx.Done(), cancel)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(sessCtx, conn, out, h)
	}()
	s.reg.Attach(h, out)

	defer func() {
		s.reg.Disconnect(h)
		cancel()
		<-writerDone
		conn.Close()
		s.conns.Delete(conn)
		s.connCount.Add(-1)
		s.metrics.SessionClosed()
		s.log.Debug("client closed", "peer", peer, "conn_id", connID, "session", h.Session)
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := protocol.ReadLine(reader, s.cfg.ReadTimeout, conn)
		if err != nil {
			var pe *protocol.ProtocolError
			if errors.As(err, &pe) && pe.Code != protocol.CodeDisconnected {
				s.log.Warn("protocol error, disconnecting", "peer", peer, "conn_id", connID, "code", pe.Code, "msg", pe.Message)
			}
			return
		}

		req, err := protocol.ParseRequest(line)
		if err != nil {
			name := protocol.NoName
			var pe *protocol.ProtocolError
			if errors.As(err, &pe) && pe.Name != "" {
				name = pe.Name
			}
			s.log.Debug("malformed request", "peer", peer, "conn_id", connID, "err", err)
			s.metrics.Request("malformed", protocol.MalformedRequest.String())
			if err := out.Send(protocol.Message{Result: protocol.MalformedRequest, Name: name}); err != nil {
				return
			}
			continue
		}

		s.handleRequest(req, h)
	}
}

func (s *Server) handleRequest(req *protocol.Request, h semaphore.Handle) {
	var res protocol.Result
	switch req.Verb {
	case protocol.VerbAcquire:
		res = s.reg.Acquire(req.Name, h)
	case protocol.VerbRelease:
		res = s.reg.Release(req.Name, h)
	}
	s.log.Debug("request", "conn_id", h.ID, "verb", req.Verb, "name", req.Name, "result", res)
}
