package search

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"nvrstore/internal/status"
)

// ClientKind selects how replies reach a client.
type ClientKind uint8

const (
	ClientNative ClientKind = iota // direct socket
	ClientP2P                      // relayed through the P2P service
)

func (k ClientKind) String() string {
	switch k {
	case ClientNative:
		return "native"
	case ClientP2P:
		return "p2p"
	}
	return "unknown"
}

// Reply is one message sent back for a request. AsyncAll searches send
// several; Final marks the last.
type Reply struct {
	RequestID string      `msgpack:"requestId"`
	Kind      Kind        `msgpack:"kind"`
	Status    status.Code `msgpack:"status"`
	Records   []Result    `msgpack:"records,omitempty"`
	// Days has bit d-1 set for every day d of the month with recordings.
	Days uint32 `msgpack:"days,omitempty"`
	// Minutes is the day bitmap, bit m = minute m.
	Minutes []byte `msgpack:"minutes,omitempty"`
	Final   bool   `msgpack:"final"`
}

// Replier delivers replies to one client.
type Replier interface {
	Reply(ctx context.Context, r Reply) error
}

// NativeReplier writes length-prefixed msgpack frames to the client's
// socket.
type NativeReplier struct {
	mu sync.Mutex
	w  io.Writer
}

func NewNativeReplier(w io.Writer) *NativeReplier {
	return &NativeReplier{w: w}
}

func (n *NativeReplier) Reply(ctx context.Context, r Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := msgpack.Marshal(&r)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	frame := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(body)), uint32(len(body))) //nolint:gosec // G115: replies are far below 4 GiB
	frame = append(frame, body...)
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err = n.w.Write(frame)
	return err
}

// ReadNativeReply decodes one frame written by NativeReplier.
func ReadNativeReply(r io.Reader) (Reply, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Reply{}, err
	}
	body := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return Reply{}, err
	}
	var out Reply
	if err := msgpack.Unmarshal(body, &out); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return out, nil
}

// Relay forwards payloads to a P2P peer.
type Relay interface {
	Send(ctx context.Context, peer string, payload []byte) error
}

// P2PReplier wraps replies in a relay envelope addressed to a peer.
type P2PReplier struct {
	relay Relay
	peer  string
}

func NewP2PReplier(relay Relay, peer string) *P2PReplier {
	return &P2PReplier{relay: relay, peer: peer}
}

// P2PEnvelope is what the relay carries.
type P2PEnvelope struct {
	Peer  string `msgpack:"peer"`
	Reply Reply  `msgpack:"reply"`
}

func (p *P2PReplier) Reply(ctx context.Context, r Reply) error {
	payload, err := msgpack.Marshal(&P2PEnvelope{Peer: p.peer, Reply: r})
	if err != nil {
		return fmt.Errorf("encode p2p reply: %w", err)
	}
	return p.relay.Send(ctx, p.peer, payload)
}

// ReplierFor picks the replier matching a client's kind.
func ReplierFor(kind ClientKind, conn io.Writer, relay Relay, peer string) (Replier, error) {
	switch kind {
	case ClientNative:
		if conn == nil {
			return nil, fmt.Errorf("%w: native client without connection", ErrBadClient)
		}
		return NewNativeReplier(conn), nil
	case ClientP2P:
		if relay == nil {
			return nil, fmt.Errorf("%w: p2p client without relay", ErrBadClient)
		}
		return NewP2PReplier(relay, peer), nil
	}
	return nil, fmt.Errorf("%w: kind %d", ErrBadClient, kind)
}
