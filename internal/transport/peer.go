// Package transport carries the peer wire protocol of §4.8/§6 over a
// websocket duplex channel: one goroutine pumps an outbound queue to the
// socket, the mirror of the teacher's Hub.Run broadcast loop; one goroutine
// reads frames and feeds them to a handler, the mirror of Hub.Subscribe's
// keep-alive read loop — generalized from the teacher's one-way dashboard
// push feed into a full bidirectional reader/writer pair.
package transport

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rawblock/cojson/pkg/covalue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // peer-to-peer sync, not a browser-facing endpoint
	},
}

const writeTimeout = 5 * time.Second

// ErrClosed is returned by Send once the peer's connection has gone away.
var ErrClosed = errors.New("transport: peer connection closed")

// Peer is one duplex websocket connection to another node. Inbound frames
// decode onto the Inbound channel; Send enqueues an outbound frame onto a
// buffered channel drained by a dedicated writer goroutine, so a slow
// reader on the other end cannot block the caller indefinitely — callers
// needing backpressure semantics beyond the buffer size use
// internal/sync.Engine's own high-water-mark queue in front of Send.
type Peer struct {
	ID string

	conn     *websocket.Conn
	outbound chan covalue.Message
	inbound  chan covalue.Message
	done     chan struct{}
	closeOnce sync.Once
}

// Upgrade upgrades an HTTP request to a websocket connection and starts the
// peer's reader and writer pumps. The caller is responsible for calling
// Close (or letting a read/write error close it) once the peer is done.
func Upgrade(w http.ResponseWriter, r *http.Request, id string) (*Peer, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newPeer(id, conn), nil
}

// Dial opens an outbound websocket connection to a peer node at url.
func Dial(url string, id string) (*Peer, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return newPeer(id, conn), nil
}

func newPeer(id string, conn *websocket.Conn) *Peer {
	p := &Peer{
		ID:       id,
		conn:     conn,
		outbound: make(chan covalue.Message, 256),
		inbound:  make(chan covalue.Message, 256),
		done:     make(chan struct{}),
	}
	go p.writePump()
	go p.readPump()
	return p
}

// Send enqueues m for delivery to the peer. Returns ErrClosed if the
// connection has already gone away.
func (p *Peer) Send(m covalue.Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.outbound <- m:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

// Inbound returns the channel of messages received from the peer. It is
// closed once the connection goes away.
func (p *Peer) Inbound() <-chan covalue.Message { return p.inbound }

// Done returns a channel closed once the peer connection has ended.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Close closes the underlying connection and stops both pumps.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}

func (p *Peer) writePump() {
	for {
		select {
		case msg := <-p.outbound:
			frame, err := covalue.Encode(msg)
			if err != nil {
				log.Printf("transport: peer %s: encode: %v", p.ID, err)
				continue
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("transport: peer %s: write: %v", p.ID, err)
				_ = p.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *Peer) readPump() {
	defer close(p.inbound)
	defer p.Close()
	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("transport: peer %s: read: %v", p.ID, err)
			}
			return
		}
		msg, err := covalue.Decode(frame)
		if err != nil {
			log.Printf("transport: peer %s: decode: %v", p.ID, err)
			continue
		}
		select {
		case p.inbound <- msg:
		case <-p.done:
			return
		}
	}
}
