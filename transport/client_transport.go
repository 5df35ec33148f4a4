package transport

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"scriptbridge/codec"
	"scriptbridge/message"
	"scriptbridge/protocol"
)

// ErrTransportClosed is delivered to pending callers when the connection goes away.
var ErrTransportClosed = errors.New("transport: connection closed")

// Reply is what a pending caller receives: the response text, or the reason none came.
type Reply struct {
	Text string
	Err  error
}

// ClientTransport multiplexes gateway requests over a single TCP connection.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Gateway
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan → goroutine-2 wakes up
//
// Seq 0 is reserved for fire-and-forget requests; the gateway never answers them.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	seq     uint32     // Protected by sending
	pending sync.Map   // map[uint32]chan *Reply
	sending sync.Mutex // Whole frames only; interleaved writes corrupt the stream
	done    chan struct{}
	once    sync.Once
}

// NewClientTransport wraps conn and starts the receive and heartbeat goroutines.
func NewClientTransport(conn net.Conn, ct codec.CodecType) *ClientTransport {
	t := &ClientTransport{
		conn:  conn,
		codec: ct,
		done:  make(chan struct{}),
	}
	go t.recvLoop()
	go t.heartbeatLoop(30 * time.Second)
	return t
}

// Send encodes msg and writes it as one request frame. When wantReply is false the
// frame goes out with seq 0 and the returned channel is nil.
func (t *ClientTransport) Send(msg *message.RPCMessage, wantReply bool) (uint32, <-chan *Reply, error) {
	body, err := codec.GetCodec(t.codec).Encode(msg)
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	var seq uint32
	var replyChan chan *Reply
	if wantReply {
		t.seq++
		if t.seq == 0 {
			t.seq++
		}
		seq = t.seq
		// Register before writing so recvLoop cannot beat us to it.
		replyChan = make(chan *Reply, 1)
		t.pending.Store(seq, replyChan)
	}

	header := protocol.Header{
		CodecType: t.codec,
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		if wantReply {
			t.pending.Delete(seq)
		}
		return 0, nil, errors.Wrap(err, "write request frame")
	}
	return seq, replyChan, nil
}

// Close shuts the connection; every pending caller receives ErrTransportClosed.
func (t *ClientTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			select {
			case <-t.done:
				err = ErrTransportClosed
			default:
			}
			t.closeAllPending(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *Reply) <- &Reply{Text: string(body)}
		}
	}
}

func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		value.(chan *Reply) <- &Reply{Err: err}
		t.pending.Delete(key)
		return true
	})
}

func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}
