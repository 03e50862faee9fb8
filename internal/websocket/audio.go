package websocket

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/rapat/domain/repositories"
	"github.com/satriahrh/rapat/internal/audio"
)

// AudioSessions opens and releases the audio session behind an audio socket
type AudioSessions interface {
	Open(clientID string, cfg repositories.AudioConfig, replace bool) (*audio.Session, error)
	Detach(sess *audio.Session) bool
	Close(clientID string) bool
}

// Only uncompressed encodings, since chunk timing is derived from byte counts
var supportedEncodings = map[string]bool{
	"LINEAR16": true, "WAV": true, "MULAW": true,
}

// AudioConfigFromQuery reads sample_rate, language and encoding query
// parameters on top of defaults
func AudioConfigFromQuery(c echo.Context, defaults repositories.AudioConfig) (repositories.AudioConfig, error) {
	cfg := defaults

	if v := c.QueryParam("sample_rate"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil || rate < 8000 || rate > 48000 {
			return cfg, fmt.Errorf("sample_rate must be between 8000 and 48000")
		}
		cfg.SampleRate = rate
	}
	if v := c.QueryParam("language"); v != "" {
		cfg.Language = v
	}
	if v := c.QueryParam("encoding"); v != "" {
		enc := strings.ToUpper(v)
		if !supportedEncodings[enc] {
			return cfg, fmt.Errorf("unsupported encoding: %s", v)
		}
		cfg.Encoding = enc
	}
	return cfg, nil
}

// HandleAudioSocket upgrades a participant's microphone socket. Binary frames
// are raw audio; the session lives exactly as long as the socket.
func HandleAudioSocket(hub *Hub, sessions AudioSessions, c echo.Context, clientID string, cfg repositories.AudioConfig) error {
	conn, err := hub.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		hub.logger.Error("Audio socket upgrade failed", zap.Error(err))
		return err
	}

	logger := hub.logger.With(zap.String("clientID", clientID))

	sess, err := sessions.Open(clientID, cfg, true)
	if err != nil {
		logger.Error("Failed to open audio session", zap.Error(err))
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(CreateErrorMessage("session_unavailable", "Audio session could not be opened", err.Error()))
		conn.Close()
		return nil
	}

	hub.SetMic(clientID, true)
	go pumpAudio(hub, sessions, conn, sess, logger)

	return nil
}

// pumpAudio feeds binary frames into the session until the socket goes away
func pumpAudio(hub *Hub, sessions AudioSessions, conn *websocket.Conn, sess *audio.Session, logger *zap.Logger) {
	done := make(chan struct{})
	defer func() {
		close(done)
		if sessions.Detach(sess) {
			hub.SetMic(sess.ClientID(), false)
		}
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	var chunks int
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("Audio socket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.BinaryMessage:
			sess.FillBuffer(data)
			chunks++
		case websocket.TextMessage:
			// only ping is answered here; mic and chat belong on the chat socket
			msg, err := hub.validator.ValidateMessage(data)
			if ping, ok := msg.(*PingMessage); ok && err == nil {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteJSON(CreatePongMessage(ping.Data))
			}
		}
		if sess.Closed() {
			break
		}
	}

	logger.Info("Audio socket closed", zap.Int("chunks", chunks))
}
