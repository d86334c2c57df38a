package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/verso-app/livecast/internal/capture"
	"github.com/verso-app/livecast/internal/domain"
	"github.com/verso-app/livecast/internal/presence"
	"github.com/verso-app/livecast/internal/registry"
	"github.com/verso-app/livecast/internal/session"
	"github.com/verso-app/livecast/pkg/log"
	"github.com/verso-app/livecast/pkg/response"
)

// Handler exposes registry, presence and session control over HTTP.
type Handler struct {
	registry *registry.Registry
	presence *presence.Aggregator
	sessions *session.Manager
}

// NewHandler creates an HTTP handler.
func NewHandler(reg *registry.Registry, agg *presence.Aggregator, sessions *session.Manager) *Handler {
	return &Handler{
		registry: reg,
		presence: agg,
		sessions: sessions,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		rooms := api.Group("/rooms")
		{
			rooms.POST("", h.CreateRoom)
			rooms.GET("/:id", h.GetRoom)
			rooms.GET("/:id/participants", h.GetParticipants)
			rooms.GET("/:id/presence", h.GetPresence)
			rooms.DELETE("/:id", h.EndRoom)

			rooms.POST("/:id/sessions", h.StartSession)
			rooms.GET("/:id/sessions/:participantId", h.GetSession)
			rooms.DELETE("/:id/sessions/:participantId", h.EndSession)
		}
	}
	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
}

// CreateRoomRequest is the create room payload.
type CreateRoomRequest struct {
	Title  string `json:"title" binding:"required,min=1,max=200"`
	HostID string `json:"host_id" binding:"required"`
}

// CreateRoom creates a new broadcast room.
func (h *Handler) CreateRoom(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind create room request")
		response.BadRequest(c, err.Error())
		return
	}

	room, err := h.registry.CreateRoom(ctx, req.Title, req.HostID)
	if err != nil {
		if errors.Is(err, domain.ErrRoomCreation) {
			response.Error(c, http.StatusBadGateway, "ROOM_BACKEND_UNAVAILABLE", "room backend unreachable")
			return
		}
		l.Error().Err(err).Msg("failed to create room")
		response.InternalError(c, "failed to create room")
		return
	}

	response.Created(c, room)
}

// GetRoom returns room metadata.
func (h *Handler) GetRoom(c *gin.Context) {
	room, ok := h.registry.Room(c.Param("id"))
	if !ok {
		response.NotFound(c, "room not found")
		return
	}
	response.Success(c, room)
}

// GetParticipants returns the authoritative roster of a room.
func (h *Handler) GetParticipants(c *gin.Context) {
	participants, err := h.registry.Snapshot(c.Param("id"))
	if err != nil {
		response.NotFound(c, "room not found")
		return
	}
	response.Success(c, participants)
}

// GetPresence returns viewer count, reaction tallies and recent chat.
// With a shared store configured, the count is reconciled first.
func (h *Handler) GetPresence(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param("id")

	if err := h.presence.Reconcile(ctx, roomID); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("presence reconcile failed, serving local count")
	}
	response.Success(c, h.presence.Room(roomID))
}

// EndRoom tears a room down on behalf of its host.
func (h *Handler) EndRoom(c *gin.Context) {
	ctx := c.Request.Context()

	roomID := c.Param("id")
	room, ok := h.registry.Room(roomID)
	if !ok {
		response.NotFound(c, "room not found")
		return
	}

	if err := h.registry.LeaveRoom(ctx, roomID, room.HostID); err != nil {
		log.Ctx(ctx).Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to end room")
		response.InternalError(c, "failed to end room")
		return
	}

	response.Success(c, gin.H{"ended": true})
}

// StartSessionRequest is the start session payload.
type StartSessionRequest struct {
	ParticipantID    string `json:"participant_id" binding:"required"`
	DisplayName      string `json:"display_name"`
	Role             string `json:"role" binding:"required"`
	Audio            bool   `json:"audio"`
	Video            bool   `json:"video"`
	ExpectedAudience int    `json:"expected_audience"`
}

// SessionView is the session state returned to clients.
type SessionView struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
	Phase         string `json:"phase"`
}

// StartSession previews and goes live for a participant in a room.
func (h *Handler) StartSession(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	roomID := c.Param("id")

	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind start session request")
		response.BadRequest(c, err.Error())
		return
	}

	role := domain.Role(req.Role)
	if !role.Valid() {
		response.BadRequest(c, "unknown role")
		return
	}

	p := domain.Participant{ID: req.ParticipantID, DisplayName: req.DisplayName, Role: role}
	ctrl, err := h.sessions.Start(ctx, roomID, p, capture.Constraints{Audio: req.Audio, Video: req.Video}, req.ExpectedAudience)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRoomNotFound):
			response.NotFound(c, "room not found")
		case errors.Is(err, domain.ErrDeviceAccess):
			response.Conflict(c, "capture device unavailable")
		case errors.Is(err, domain.ErrTransportCreate), errors.Is(err, domain.ErrTransportConnect), errors.Is(err, domain.ErrConsume):
			response.Error(c, http.StatusBadGateway, "RELAY_UNAVAILABLE", "media relay unreachable")
		default:
			l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to start session")
			response.InternalError(c, "failed to start session")
		}
		return
	}

	response.Created(c, SessionView{RoomID: roomID, ParticipantID: p.ID, Phase: string(ctrl.Phase())})
}

// GetSession returns the phase of a participant's session.
func (h *Handler) GetSession(c *gin.Context) {
	roomID := c.Param("id")
	participantID := c.Param("participantId")

	ctrl, ok := h.sessions.Get(roomID, participantID)
	if !ok {
		response.NotFound(c, "session not found")
		return
	}
	response.Success(c, SessionView{RoomID: roomID, ParticipantID: participantID, Phase: string(ctrl.Phase())})
}

// EndSession tears a participant's session down.
func (h *Handler) EndSession(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param("id")
	participantID := c.Param("participantId")

	if err := h.sessions.End(ctx, roomID, participantID); err != nil {
		response.NotFound(c, "session not found")
		return
	}
	response.Success(c, gin.H{"ended": true})
}
