package transport

import (
	"context"
	"errors"

	"github.com/danmuck/flowctl/internal/protocol"
)

var (
	ErrClosed         = errors.New("transport: closed")
	ErrNotStarted     = errors.New("transport: not started")
	ErrAlreadyStarted = errors.New("transport: already started")
	ErrUnknownPeer    = errors.New("transport: unknown peer")
	ErrWrongSender    = errors.New("transport: envelope sender is not this node")
	ErrHelloRejected  = errors.New("transport: hello rejected")
	ErrSendExhausted  = errors.New("transport: send attempts exhausted")
)

// Handler receives inbound envelopes. Calls for one link arrive in order.
type Handler func(env protocol.Envelope)

// Transport is the node's link to its peers.
type Transport interface {
	Start(h Handler) error
	Send(ctx context.Context, env protocol.Envelope) error
	Close() error
}
