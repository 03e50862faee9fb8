package websocket

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/rapat/domain/entities"
	"github.com/satriahrh/rapat/internal/metrics"
	"github.com/satriahrh/rapat/internal/transcript"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	defaultSendBuffer = 256
)

// Options configures the hub
type Options struct {
	// SendBuffer bounds each socket's outbound queue; a socket that falls this
	// far behind is disconnected.
	SendBuffer     int
	AllowedOrigins []string
}

// Hub maintains the set of connected participants and fans events out to them.
// It is also the single commit point for the meeting transcript.
type Hub struct {
	// Registered clients by client id, and the same clients in registration order.
	clients map[string]*Client
	order   []*Client

	// Mic state of every participant we know about.
	mics map[string]bool

	// Unregister requests for sockets that could not keep up.
	unregister chan *Client
	quit       chan struct{}
	stopOnce   sync.Once

	// Mutex for thread-safe access to clients, order and mics
	mu sync.RWMutex

	log          *transcript.Log
	onDisconnect func(clientID string)
	upgrader     websocket.Upgrader
	validator    *MessageValidator
	sendBuffer   int

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewHub creates a new WebSocket hub committing to log
func NewHub(log *transcript.Log, opts Options, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}

	return &Hub{
		clients:    make(map[string]*Client),
		mics:       make(map[string]bool),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		log:        log,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin(opts.AllowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		validator:  NewMessageValidator(),
		sendBuffer: opts.SendBuffer,
		metrics:    m,
		logger:     logger,
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// OnDisconnect sets the hook run after a participant's socket is removed.
// It must be set before the hub serves connections.
func (h *Hub) OnDisconnect(fn func(clientID string)) {
	h.onDisconnect = fn
}

// Run starts the hub's main loop, tearing down sockets that fell behind
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.unregister:
			h.Disconnect(client)
		case <-h.quit:
			return
		}
	}
}

// Stop ends Run and closes every socket
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })

	h.mu.Lock()
	clients := append([]*Client(nil), h.order...)
	for _, c := range clients {
		h.removeLocked(c)
	}
	h.mu.Unlock()
}

// NewClient wraps a connection for clientID with a fresh connection id
func (h *Hub) NewClient(clientID string, conn *websocket.Conn) *Client {
	connID := uuid.NewString()
	return &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.sendBuffer),
		clientID: clientID,
		connID:   connID,
		logger: h.logger.With(
			zap.String("clientID", clientID),
			zap.String("connID", connID)),
	}
}

// Connect registers c and queues the mic snapshot followed by the transcript
// snapshot. Both are queued under the same lock that commits and broadcasts
// take, so the new socket sees neither a duplicate nor a gap.
func (h *Hub) Connect(c *Client) {
	h.mu.Lock()
	if old, ok := h.clients[c.clientID]; ok {
		c.logger.Info("Replacing stale socket", zap.String("staleConnID", old.connID))
		h.removeLocked(old)
	}

	h.clients[c.clientID] = c
	h.order = append(h.order, c)

	micPayload := h.marshal(&MicStatusMessage{
		BaseMessage: BaseMessage{Type: MessageTypeMicStatus},
		Statuses:    h.micStatusesLocked(),
	})
	qnaPayload := h.marshal(&QnAMessage{
		BaseMessage: BaseMessage{Type: MessageTypeQnA},
		Items:       h.log.Snapshot(),
	})
	h.enqueueLocked(c, micPayload)
	h.enqueueLocked(c, qnaPayload)
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.ConnectedClients.Set(float64(count))
	c.logger.Info("Client connected", zap.Int("clients", count))
}

// Disconnect removes c and its mic state and runs the disconnect hook. It is
// idempotent and ignores a socket that has already been replaced.
func (h *Hub) Disconnect(c *Client) bool {
	h.mu.Lock()
	cur, ok := h.clients[c.clientID]
	if !ok || cur.connID != c.connID {
		h.mu.Unlock()
		return false
	}

	h.removeLocked(c)
	_, hadMic := h.mics[c.clientID]
	delete(h.mics, c.clientID)

	var failed []*Client
	if hadMic {
		failed = h.enqueueAllLocked(h.marshal(NewMicMessage(c.clientID, false)))
	}
	count := len(h.clients)
	h.mu.Unlock()

	h.dropSlow(failed)
	h.metrics.ConnectedClients.Set(float64(count))
	c.logger.Info("Client disconnected", zap.Int("clients", count))

	if h.onDisconnect != nil {
		h.onDisconnect(c.clientID)
	}
	return true
}

// removeLocked drops c from the maps and closes its queue
func (h *Hub) removeLocked(c *Client) {
	if cur, ok := h.clients[c.clientID]; ok && cur == c {
		delete(h.clients, c.clientID)
	}
	for i, o := range h.order {
		if o == c {
			h.order = append(h.order[:i], h.order[i+1:]...)
			close(c.send)
			break
		}
	}
}

// Broadcast delivers event to every connected socket in registration order
func (h *Hub) Broadcast(event interface{}) {
	payload := h.marshal(event)
	if payload == nil {
		return
	}

	h.mu.RLock()
	failed := h.enqueueAllLocked(payload)
	h.mu.RUnlock()

	h.metrics.MessagesBroadcast.Inc()
	h.dropSlow(failed)
}

// SendPersonal delivers event to clientID only. Unknown clients are ignored.
func (h *Hub) SendPersonal(clientID string, event interface{}) bool {
	payload := h.marshal(event)
	if payload == nil {
		return false
	}

	h.mu.RLock()
	c, ok := h.clients[clientID]
	delivered := ok && h.enqueueLocked(c, payload)
	h.mu.RUnlock()

	if ok && !delivered {
		h.dropSlow([]*Client{c})
	}
	return delivered
}

// SetMic records a participant's mic state and announces it
func (h *Hub) SetMic(clientID string, on bool) {
	payload := h.marshal(NewMicMessage(clientID, on))

	h.mu.Lock()
	h.mics[clientID] = on
	failed := h.enqueueAllLocked(payload)
	h.mu.Unlock()

	h.dropSlow(failed)
	h.logger.Debug("Mic changed", zap.String("clientID", clientID), zap.Bool("on", on))
}

// PublishInterim broadcasts an in-progress hypothesis
func (h *Hub) PublishInterim(speakerID string, result entities.RecognitionResult) {
	h.Broadcast(NewTranscriptMessage(speakerID, result))
}

// CommitResult appends a final, non-blank result to the transcript and
// broadcasts it. Typed chat and recognized speech both come through here.
func (h *Hub) CommitResult(speakerID string, result entities.RecognitionResult) bool {
	if !result.IsFinal || result.Blank() {
		return false
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now()
	}
	result.Text = strings.TrimSpace(result.Text)

	payload := h.marshal(NewTranscriptMessage(speakerID, result))

	h.mu.Lock()
	h.log.Append(entities.Utterance{
		Timestamp: result.Timestamp,
		Speaker:   speakerID,
		Text:      result.Text,
	})
	failed := h.enqueueAllLocked(payload)
	h.mu.Unlock()

	h.metrics.UtterancesCommitted.Inc()
	h.metrics.MessagesBroadcast.Inc()
	h.dropSlow(failed)
	return true
}

// AnnounceMeetingStatus tells every socket the meeting moved to another phase
func (h *Hub) AnnounceMeetingStatus(status entities.MeetingStatus) {
	h.Broadcast(NewMeetingStatusMessage(string(status)))
}

// DrainTranscript empties the transcript and sends every socket the now empty
// snapshot. It returns the utterances that were removed.
func (h *Hub) DrainTranscript() []entities.Utterance {
	payload := h.marshal(&QnAMessage{
		BaseMessage: BaseMessage{Type: MessageTypeQnA},
		Items:       []entities.Utterance{},
	})

	h.mu.Lock()
	items := h.log.Drain()
	failed := h.enqueueAllLocked(payload)
	h.mu.Unlock()

	h.dropSlow(failed)
	return items
}

// MicStatuses returns a copy of every known mic state
func (h *Hub) MicStatuses() map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.micStatusesLocked()
}

func (h *Hub) micStatusesLocked() map[string]bool {
	out := make(map[string]bool, len(h.mics))
	for id, on := range h.mics {
		out[id] = on
	}
	return out
}

// Participants lists everyone with a socket or a mic, sorted by id
func (h *Hub) Participants() []entities.ParticipantState {
	h.mu.RLock()
	seen := make(map[string]*entities.ParticipantState)
	for id := range h.clients {
		seen[id] = &entities.ParticipantState{ClientID: id, Connected: true}
	}
	for id, on := range h.mics {
		p, ok := seen[id]
		if !ok {
			p = &entities.ParticipantState{ClientID: id}
			seen[id] = p
		}
		p.MicOn = on
	}
	h.mu.RUnlock()

	out := make([]entities.ParticipantState, 0, len(seen))
	for _, p := range seen {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// ClientCount returns the number of connected sockets
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) marshal(event interface{}) []byte {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return nil
	}
	return payload
}

// enqueueLocked never blocks; a full queue reports false
func (h *Hub) enqueueLocked(c *Client, payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (h *Hub) enqueueAllLocked(payload []byte) []*Client {
	if payload == nil {
		return nil
	}
	var failed []*Client
	for _, c := range h.order {
		if !h.enqueueLocked(c, payload) {
			failed = append(failed, c)
		}
	}
	return failed
}

// dropSlow hands sockets that fell behind to Run. It never blocks the caller,
// which may be holding the arbitrator's lock.
func (h *Hub) dropSlow(failed []*Client) {
	for _, c := range failed {
		h.metrics.SlowClients.Inc()
		c.logger.Warn("Client send queue full, disconnecting")
		go func(c *Client) {
			select {
			case h.unregister <- c:
			case <-h.quit:
			}
		}(c)
	}
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// Participant id and the id of this particular connection
	clientID string
	connID   string

	logger *zap.Logger
}

// HandleWebSocket upgrades a participant's chat socket
func HandleWebSocket(hub *Hub, c echo.Context, clientID string) error {
	conn, err := hub.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := hub.NewClient(clientID, conn)
	hub.Connect(client)

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		if messageType != websocket.TextMessage {
			c.logger.Warn("Ignoring non-text message on chat socket", zap.Int("type", messageType))
			continue
		}
		c.processMessage(message)
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage handles one inbound message. Malformed messages are answered
// with an error event and the connection is kept.
func (c *Client) processMessage(message []byte) {
	msg, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Dropping malformed message", zap.Error(err))
		c.hub.SendPersonal(c.clientID, CreateErrorMessage("invalid_message", "Message could not be processed", err.Error()))
		return
	}

	switch m := msg.(type) {
	case *MicMessage:
		c.hub.SetMic(c.clientID, *m.Status)
	case *ChatMessage:
		if !m.IsDone {
			return
		}
		c.hub.CommitResult(c.clientID, entities.RecognitionResult{
			Text:      m.Message,
			IsFinal:   true,
			Timestamp: time.Now(),
			SpeakerID: c.clientID,
		})
	case *PingMessage:
		c.hub.SendPersonal(c.clientID, CreatePongMessage(m.Data))
	}
}
