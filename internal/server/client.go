package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// writeWait bounds a single frame write to a client
	writeWait = 10 * time.Second

	// sendBuffer is how many frames a client may fall behind before it is dropped
	sendBuffer = 32
)

// wsClient owns one websocket connection. Only writeLoop writes to conn.
type wsClient struct {
	conn *websocket.Conn
	send chan message
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan message, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue queues msg without blocking. It reports false when the queue is full.
func (c *wsClient) enqueue(msg message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsClient) writeLoop() {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				logrus.Debugf("Websocket write failed: %v", err)
				return
			}
		}
	}
}

// close ends the write loop and the connection, which also ends the read loop.
func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
