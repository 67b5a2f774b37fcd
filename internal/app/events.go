package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	watcherBuffer = 16
	pingInterval  = 30 * time.Second
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type watcher struct {
	conn *websocket.Conn
	send chan []byte
}

// Events fans session snapshots out to websocket watchers. A watcher that
// falls behind is disconnected.
type Events struct {
	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

func NewEvents() *Events {
	return &Events{watchers: make(map[*watcher]struct{})}
}

func (e *Events) add(w *watcher) {
	e.mu.Lock()
	e.watchers[w] = struct{}{}
	e.mu.Unlock()
}

func (e *Events) remove(w *watcher) {
	e.mu.Lock()
	if _, ok := e.watchers[w]; ok {
		delete(e.watchers, w)
		close(w.send)
	}
	e.mu.Unlock()
}

func (e *Events) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.watchers)
}

func (e *Events) Publish(state State) {
	data, err := json.Marshal(state)
	if err != nil {
		log.Printf("events: marshal state: %v", err)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for w := range e.watchers {
		select {
		case w.send <- data:
		default:
			delete(e.watchers, w)
			close(w.send)
		}
	}
}

// Stream publishes a snapshot each time the session reports a change,
// until ctx ends. Snapshot must not run on the engine's update hook.
func (s *HTTPServer) Stream(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.session.Updates():
			s.events.Publish(s.session.Snapshot())
		}
	}
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events: websocket upgrade failed: %v", err)
		return
	}
	watcher := &watcher{conn: conn, send: make(chan []byte, watcherBuffer)}
	if data, err := json.Marshal(s.session.Snapshot()); err == nil {
		watcher.send <- data
	}
	s.events.add(watcher)

	go writePump(watcher)
	s.readPump(watcher)
}

// readPump only watches for the peer going away; watchers send nothing.
func (s *HTTPServer) readPump(w *watcher) {
	defer func() {
		s.events.remove(w)
		w.conn.Close()
	}()

	w.conn.SetReadLimit(4096)
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("events: websocket error: %v", err)
			}
			return
		}
	}
}

func writePump(w *watcher) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case message, ok := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				w.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
