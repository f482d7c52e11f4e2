package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/metrics"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 256

	locationMinGap = time.Second // per-request breadcrumb floor
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Bearer auth happens before the upgrade; browser origin checks add
	// nothing for token-authenticated mobile clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Session is one authenticated WebSocket connection. All writes to the
// connection go through the Send channel and writePump, so ping frames and
// broadcasts never race.
type Session struct {
	hub      *Hub
	identity Identity
	conn     *websocket.Conn
	Send     chan []byte
	done     chan struct{}
	once     sync.Once

	mu           sync.Mutex
	watchedFirms map[string]bool
	lastLocation map[string]time.Time // request ID -> last accepted breadcrumb
}

// HandleWS upgrades the request and runs the session until either side
// closes. The caller has already authenticated the principal.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request, id Identity) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", id.PrincipalID, err)
		return
	}

	s := h.newSession(id, conn)
	go s.writePump()
	go s.readPump()
}

func (h *Hub) newSession(id Identity, conn *websocket.Conn) *Session {
	s := &Session{
		hub:          h,
		identity:     id,
		conn:         conn,
		Send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		watchedFirms: make(map[string]bool),
		lastLocation: make(map[string]time.Time),
	}
	h.attach(s)
	metrics.WebsocketSessions.Inc()
	h.logger.Printf("session connected principal=%s", id.PrincipalID)
	return s
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.detach(s)
		if s.conn != nil {
			s.conn.Close()
		}
		metrics.WebsocketSessions.Dec()
		s.hub.logger.Printf("session disconnected principal=%s", s.identity.PrincipalID)
	})
}

// enqueue hands a frame to the write pump without blocking; a slow client
// misses the frame rather than stalling the router.
func (s *Session) enqueue(frame []byte) {
	select {
	case s.Send <- frame:
	default:
	}
}

func (s *Session) watchesFirm(firmID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchedFirms[firmID]
}

// writePump owns every write on the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case frame, ok := <-s.Send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			// Flush whatever queued up behind this frame.
			n := len(s.Send)
			for i := 0; i < n; i++ {
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.Send); err != nil {
					return
				}
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// clientMessage is what clients send upstream.
type clientMessage struct {
	Type      string  `json:"type"` // location | subscribe_firm | unsubscribe_firm
	RequestID string  `json:"request_id,omitempty"`
	Lon       float64 `json:"lon,omitempty"`
	Lat       float64 `json:"lat,omitempty"`
	AccuracyM float64 `json:"accuracy_m,omitempty"`
	Source    string  `json:"source,omitempty"`
	FirmID    string  `json:"firm_id,omitempty"`
}

// readPump owns every read on the connection.
func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.logger.Printf("read error principal=%s: %v", s.identity.PrincipalID, err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.reply(map[string]interface{}{"error_code": core.CodeInvalidInput, "message": "malformed frame"})
			continue
		}
		s.handle(&msg)
	}
}

func (s *Session) handle(msg *clientMessage) {
	switch msg.Type {
	case "location":
		if !s.admitLocation(msg.RequestID) {
			return // over 1 Hz, silently dropped
		}
		src := core.LocationSource(msg.Source)
		switch src {
		case core.SourceMobile, core.SourceWeb, core.SourceManual:
		default:
			src = core.SourceMobile
		}
		err := s.hub.RecordLocation(context.Background(), s.identity, msg.RequestID,
			core.Point{Lon: msg.Lon, Lat: msg.Lat}, msg.AccuracyM, src)
		if err != nil {
			s.reply(map[string]interface{}{
				"error_code": core.CodeOf(err),
				"request_id": msg.RequestID,
			})
		}
	case "subscribe_firm":
		if s.identity.Kind != core.KindPlatformAdmin {
			s.reply(map[string]interface{}{"error_code": core.CodeForbidden})
			return
		}
		s.mu.Lock()
		s.watchedFirms[msg.FirmID] = true
		s.mu.Unlock()
	case "unsubscribe_firm":
		s.mu.Lock()
		delete(s.watchedFirms, msg.FirmID)
		s.mu.Unlock()
	}
}

// admitLocation enforces the 1 Hz per-request breadcrumb floor.
func (s *Session) admitLocation(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if last, ok := s.lastLocation[requestID]; ok && now.Sub(last) < locationMinGap {
		return false
	}
	s.lastLocation[requestID] = now
	return true
}

func (s *Session) reply(data map[string]interface{}) {
	frame, err := json.Marshal(data)
	if err != nil {
		return
	}
	s.enqueue(frame)
}
