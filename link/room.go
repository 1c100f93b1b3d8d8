// Package link connects the flight loop to the outside world: command
// sources that feed the CommandChannel and sinks that carry telemetry out.
package link

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	control "quad-flight-core/flight/attitude_control"
	"quad-flight-core/utils"
)

const (
	socketBufferSize  = 1024
	messageBufferSize = 16
	writeWait         = time.Second
	maxMessageSize    = 4096
)

// Room is a websocket hub. Clients receive every telemetry snapshot and may
// send command messages, which go straight to the CommandChannel.
type Room struct {
	// forward holds encoded snapshots waiting to be broadcast.
	forward chan []byte
	join    chan *client
	leave   chan *client
	clients map[*client]bool
	done    chan struct{}

	commands *control.CommandChannel
	log      *utils.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	latest []byte
}

// NewRoom returns a room that only upgrades same-origin requests, or requests
// without an Origin header such as a ground-station client.
func NewRoom(commands *control.CommandChannel, log *utils.Logger) *Room {
	return &Room{
		forward:  make(chan []byte, messageBufferSize),
		join:     make(chan *client),
		leave:    make(chan *client),
		clients:  make(map[*client]bool),
		done:     make(chan struct{}),
		commands: commands,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  socketBufferSize,
			WriteBufferSize: socketBufferSize,
		},
	}
}

// Run serves joins, leaves and broadcasts until ctx ends, then disconnects
// every client.
func (r *Room) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			for c := range r.clients {
				delete(r.clients, c)
				close(c.send)
			}
			return nil
		case c := <-r.join:
			r.clients[c] = true
			r.log.Info("Telemetry client joined (%d connected)", len(r.clients))
		case c := <-r.leave:
			if r.clients[c] {
				delete(r.clients, c)
				close(c.send)
				r.log.Info("Telemetry client left (%d connected)", len(r.clients))
			}
		case msg := <-r.forward:
			for c := range r.clients {
				select {
				case c.send <- msg:
				default:
					r.log.Debug("Telemetry client too slow, dropping snapshot")
				}
			}
		}
	}
}

// Publish implements control.TelemetrySink. It never blocks: when the
// broadcast queue is full the snapshot is dropped.
func (r *Room) Publish(s control.Snapshot) {
	msg, err := json.Marshal(s)
	if err != nil {
		r.log.Error("Encoding snapshot: %v", err)
		return
	}
	r.mu.Lock()
	r.latest = msg
	r.mu.Unlock()
	select {
	case r.forward <- msg:
	default:
	}
}

// Latest returns the most recent encoded snapshot, or nil.
func (r *Room) Latest() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

func (r *Room) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	socket, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("Websocket upgrade from %s failed: %v", req.RemoteAddr, err)
		return
	}
	c := &client{
		socket: socket,
		send:   make(chan []byte, messageBufferSize),
		room:   r,
	}
	select {
	case r.join <- c:
	case <-r.done:
		socket.Close()
		return
	}
	go c.write()
	c.read()
}

type client struct {
	socket *websocket.Conn
	send   chan []byte
	room   *Room
}

// read forwards command messages until the socket closes.
func (c *client) read() {
	defer func() {
		select {
		case c.room.leave <- c:
		case <-c.room.done:
		}
		c.socket.Close()
	}()
	c.socket.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			return
		}
		m, err := control.ParseMessage(data)
		if err == nil {
			err = c.room.commands.Send(m)
		}
		if err != nil {
			c.room.log.Warn("Websocket command rejected: %v", err)
		}
	}
}

func (c *client) write() {
	defer c.socket.Close()
	for msg := range c.send {
		_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}
