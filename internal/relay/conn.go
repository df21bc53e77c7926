package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const sendBuffer = 64

// peerConn is one authenticated websocket. All writes go through writeLoop.
type peerConn struct {
	id     string
	peerID string
	ws     *websocket.Conn
	log    zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// close asks writeLoop to send a close frame and drop the socket.
func (c *peerConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue hands data to the writer without blocking; a slow peer loses
// frames rather than stalling the sender.
func (c *peerConn) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.log.Warn().Msg("send buffer full, dropping frame")
	}
}

func (c *peerConn) writeLoop(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn().Err(err).Msg("write")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.Warn().Err(err).Msg("ping")
				return
			}
		}
	}
}
