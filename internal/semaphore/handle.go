package semaphore

import (
	"errors"
	"fmt"

	"github.com/rs/xid"

	"github.com/mtingers/semabroker/internal/protocol"
)

// ErrPeerGone is returned by a Sender whose connection can no longer receive.
var ErrPeerGone = errors.New("peer gone")

// Handle identifies one client connection and is the only proof of
// ownership. Handles compare equal only when issued for the same connection.
type Handle struct {
	ID      uint64
	Session xid.ID
}

// NewHandle issues a handle for connection id with a fresh session id.
func NewHandle(id uint64) Handle {
	return Handle{ID: id, Session: xid.New()}
}

func (h Handle) String() string {
	return fmt.Sprintf("%d/%s", h.ID, h.Session)
}

// Sender delivers messages to the connection behind a Handle. Send is called
// with the registry lock held and must not block.
type Sender interface {
	Send(protocol.Message) error
}
