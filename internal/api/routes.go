package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/satriahrh/rapat/domain/entities"
	"github.com/satriahrh/rapat/domain/repositories"
	"github.com/satriahrh/rapat/internal/metrics"
	"github.com/satriahrh/rapat/internal/websocket"
	"github.com/satriahrh/rapat/usecase"
)

// Dependencies are the components the routes are wired to
type Dependencies struct {
	Meetings      *usecase.MeetingService
	Hub           *websocket.Hub
	Sessions      websocket.AudioSessions
	AudioDefaults repositories.AudioConfig
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
	Logger        *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies) {
	h := &handlers{Dependencies: deps}

	e.Use(h.recordMetrics)

	// A participant leaving the chat socket also leaves the floor
	if deps.Sessions != nil {
		deps.Hub.OnDisconnect(func(clientID string) {
			deps.Sessions.Close(clientID)
		})
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": "rapat-server",
			"clients": deps.Hub.ClientCount(),
		})
	})
	if deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// Meeting APIs
	e.POST("/reserve", h.reserve)
	e.GET("/meeting_detail", h.meetingDetail)
	e.GET("/update_meeting/:status", h.updateMeeting)
	e.POST("/attend", h.attend)
	e.POST("/summarize", h.summarize)
	e.POST("/categorize", h.categorize)
	e.GET("/transcript", h.transcript)
	e.POST("/end_meeting", h.endMeeting)

	// WebSocket endpoints
	e.GET("/ws/audio/:client_id", h.audioSocket)
	e.GET("/ws/:client_id", h.chatSocket)
}

type handlers struct {
	Dependencies
}

func (h *handlers) recordMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if strings.HasPrefix(c.Path(), "/ws/") {
			return err
		}

		status := c.Response().Status
		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
		}
		h.Metrics.RecordHTTPRequest(c.Request().Method, c.Path(), strconv.Itoa(status), time.Since(start).Seconds())
		return err
	}
}

func (h *handlers) reserve(c echo.Context) error {
	var req ReserveRequest
	if err := c.Bind(&req); err != nil {
		h.Logger.Warn("Failed to bind reserve request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	meeting, err := h.Meetings.Reserve(c.Request().Context(), entities.Meeting{
		Name:      req.Name,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Room:      req.Room,
		Subject:   req.Subject,
		Topic:     req.Topic,
	}, req.Attendees)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, meeting)
}

func (h *handlers) meetingDetail(c echo.Context) error {
	detail, err := h.Meetings.Detail(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *handlers) updateMeeting(c echo.Context) error {
	status := entities.MeetingStatus(c.Param("status"))
	meeting, err := h.Meetings.UpdateStatus(c.Request().Context(), status)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, meeting)
}

func (h *handlers) attend(c echo.Context) error {
	var req AttendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if err := h.Meetings.Attend(c.Request().Context(), req.Name, req.ClientID); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) summarize(c echo.Context) error {
	dialogue, err := bindDialogue(c)
	if err != nil {
		return err
	}

	summary, err := h.Meetings.Summarize(c.Request().Context(), dialogue)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, SummaryResponse{Summary: summary})
}

func (h *handlers) categorize(c echo.Context) error {
	dialogue, err := bindDialogue(c)
	if err != nil {
		return err
	}

	category, err := h.Meetings.Categorize(c.Request().Context(), dialogue)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, CategoryResponse{Category: category})
}

// bindDialogue reads a JSON list of utterances. A malformed body becomes a
// 400 HTTP error carrying an ErrorResponse.
func bindDialogue(c echo.Context) ([]entities.Utterance, error) {
	var req []UtteranceRequest
	if err := c.Bind(&req); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Expected a JSON list of utterances",
		})
	}

	dialogue := make([]entities.Utterance, 0, len(req))
	for _, u := range req {
		dialogue = append(dialogue, entities.Utterance{
			Timestamp: time.Unix(u.Timestamp, 0),
			Speaker:   u.Speaker,
			Text:      u.Text,
		})
	}
	return dialogue, nil
}

func (h *handlers) transcript(c echo.Context) error {
	items, err := h.Meetings.Transcript(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, TranscriptResponse{Items: items})
}

func (h *handlers) endMeeting(c echo.Context) error {
	result, err := h.Meetings.EndMeeting(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *handlers) chatSocket(c echo.Context) error {
	clientID := strings.TrimSpace(c.Param("client_id"))
	if clientID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_client_id",
			Message: "client_id is required",
		})
	}
	return websocket.HandleWebSocket(h.Hub, c, clientID)
}

func (h *handlers) audioSocket(c echo.Context) error {
	clientID := strings.TrimSpace(c.Param("client_id"))
	if clientID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_client_id",
			Message: "client_id is required",
		})
	}

	cfg, err := websocket.AudioConfigFromQuery(c, h.AudioDefaults)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_audio_config",
			Message: err.Error(),
		})
	}
	return websocket.HandleAudioSocket(h.Hub, h.Sessions, c, clientID, cfg)
}

// fail maps service errors to HTTP responses
func (h *handlers) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "No matching meeting or attendee"})
	case errors.Is(err, usecase.ErrInvalidInput), errors.Is(err, usecase.ErrInvalidStatus):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
	case errors.Is(err, usecase.ErrMeetingEnded):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: "meeting_ended", Message: err.Error()})
	case errors.Is(err, usecase.ErrUnsupported):
		return c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "unsupported", Message: err.Error()})
	}

	h.Logger.Error("Request failed",
		zap.String("path", c.Path()),
		zap.Error(err))
	return c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "The request could not be completed",
	})
}
