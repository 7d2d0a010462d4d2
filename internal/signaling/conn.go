package signaling

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/protocol"
)

const wsWriteWait = 1 * time.Second

// wsPeer is the pairing hub's handle on one socket. It implements
// registry.Peer.
type wsPeer struct {
	conn  *websocket.Conn
	queue *sendQueue

	pingInterval time.Duration

	open atomic.Bool

	closeMu     sync.Mutex
	closeCode   int
	closeReason string
	closeOnce   sync.Once

	writerDone chan struct{}
}

func newWSPeer(conn *websocket.Conn, queueBytes int, pingInterval time.Duration) *wsPeer {
	p := &wsPeer{
		conn:         conn,
		queue:        newSendQueue(queueBytes),
		pingInterval: pingInterval,
		closeCode:    websocket.CloseNormalClosure,
		writerDone:   make(chan struct{}),
	}
	p.open.Store(true)
	return p
}

// Send enqueues frame for the writer. It never blocks.
func (p *wsPeer) Send(frame []byte) bool {
	if !p.open.Load() {
		return false
	}
	return p.queue.Enqueue(frame)
}

func (p *wsPeer) Open() bool { return p.open.Load() }

// start launches the writer and the keepalive pinger.
func (p *wsPeer) start() {
	go p.writeLoop()
	if p.pingInterval > 0 {
		go p.pingLoop()
	}
}

func (p *wsPeer) writeLoop() {
	defer close(p.writerDone)
	for {
		frame, ok := p.queue.Dequeue()
		if !ok {
			break
		}
		_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			p.open.Store(false)
			p.queue.Abort()
			_ = p.conn.Close()
			return
		}
	}

	p.closeMu.Lock()
	code, reason := p.closeCode, p.closeReason
	p.closeMu.Unlock()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (p *wsPeer) pingLoop() {
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.writerDone:
			return
		case <-ticker.C:
			// WriteControl is safe to call concurrently with the writer.
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				if errors.Is(err, websocket.ErrCloseSent) {
					return
				}
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				return
			}
		}
	}
}

// closeWith stops accepting frames, lets the writer flush what is queued and
// then sends a close frame carrying code and reason. Only the first call
// chooses the code.
func (p *wsPeer) closeWith(code int, reason string) {
	p.closeOnce.Do(func() {
		p.closeMu.Lock()
		p.closeCode = code
		p.closeReason = reason
		p.closeMu.Unlock()
		p.open.Store(false)
		p.queue.Close()
	})
}

// failWith queues an error envelope ahead of the close frame.
func (p *wsPeer) failWith(code, message string, closeCode int, closeReason string) {
	if frame, err := protocol.Marshal(protocol.Error{Code: code, Message: message}); err == nil {
		p.Send(frame)
	}
	p.closeWith(closeCode, closeReason)
}

// wait blocks until the writer has exited or timeout elapses.
func (p *wsPeer) wait(timeout time.Duration) bool {
	select {
	case <-p.writerDone:
		return true
	case <-time.After(timeout):
		return false
	}
}

// abort drops anything queued and tears the socket down immediately.
func (p *wsPeer) abort() {
	p.closeOnce.Do(func() {})
	p.open.Store(false)
	p.queue.Abort()
	_ = p.conn.Close()
}
