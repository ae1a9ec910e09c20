package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	apperrors "peerlink/pkg/errors"
	"peerlink/pkg/utils"
	"peerlink/pkg/validation"
)

// maxNameAttempts bounds the retries when a generated room name is taken.
const maxNameAttempts = 5

// RoomHandler serves the room API next to the relay's websocket route.
type RoomHandler struct {
	rooms    ports.RoomRepository
	tokens   services.RoomTokenService
	maxPeers int
	newName  func() string
}

// NewRoomHandler creates the handler. tokens may be nil when the relay
// issues no room tokens.
func NewRoomHandler(rooms ports.RoomRepository, tokens services.RoomTokenService, maxPeers int) *RoomHandler {
	return &RoomHandler{
		rooms:    rooms,
		tokens:   tokens,
		maxPeers: maxPeers,
		newName:  utils.GenerateRoomName,
	}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.POST("/rooms", h.CreateRoom)
		api.GET("/rooms/:room", h.GetRoom)
		api.POST("/rooms/:room/token", h.IssueToken)
	}
}

type RoomResponse struct {
	Room      domain.RoomID `json:"room"`
	Path      string        `json:"path"`
	Peers     int           `json:"peers"`
	MaxPeers  int           `json:"max_peers,omitempty"`
	Token     string        `json:"token,omitempty"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}

// CreateRoom picks an unused room name and, when tokens are enabled,
// returns a token for it.
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var room domain.RoomID
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		candidate := domain.RoomID(h.newName())
		members, err := h.rooms.Members(c.Request.Context(), candidate)
		if err != nil {
			c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "room roster unavailable", http.StatusServiceUnavailable))
			return
		}
		if len(members) == 0 {
			room = candidate
			break
		}
	}
	if room == "" {
		c.Error(apperrors.NewServiceUnavailableError("could not allocate a room name"))
		return
	}

	resp := RoomResponse{Room: room, Path: "/ws/" + string(room), MaxPeers: h.maxPeers}
	if err := h.attachToken(&resp); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// GetRoom reports how many peers a room holds.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, ok := h.roomParam(c)
	if !ok {
		return
	}

	members, err := h.rooms.Members(c.Request.Context(), room)
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "room roster unavailable", http.StatusServiceUnavailable))
		return
	}

	c.JSON(http.StatusOK, RoomResponse{
		Room:     room,
		Path:     "/ws/" + string(room),
		Peers:    len(members),
		MaxPeers: h.maxPeers,
	})
}

// IssueToken hands out a token for an existing room name, refusing when
// the room is already full.
func (h *RoomHandler) IssueToken(c *gin.Context) {
	room, ok := h.roomParam(c)
	if !ok {
		return
	}
	if h.tokens == nil {
		c.Error(apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "room tokens are disabled", http.StatusNotFound))
		return
	}

	members, err := h.rooms.Members(c.Request.Context(), room)
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "room roster unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.maxPeers > 0 && len(members) >= h.maxPeers {
		c.Error(apperrors.NewRoomFullError(string(room)))
		return
	}

	resp := RoomResponse{Room: room, Path: "/ws/" + string(room), Peers: len(members), MaxPeers: h.maxPeers}
	if err := h.attachToken(&resp); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *RoomHandler) roomParam(c *gin.Context) (domain.RoomID, bool) {
	room := c.Param("room")
	if err := validation.ValidateRoomName(room); err != nil {
		c.Error(apperrors.NewInvalidRoomError(room))
		return "", false
	}
	return domain.RoomID(room), true
}

func (h *RoomHandler) attachToken(resp *RoomResponse) error {
	if h.tokens == nil {
		return nil
	}

	token, expiresAt, err := h.tokens.Issue(resp.Room)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to issue room token", http.StatusInternalServerError)
	}
	resp.Token = token
	resp.ExpiresAt = &expiresAt
	return nil
}
