// Package httpapi exposes the coordination operations as JSON over HTTP.
// Handlers only decode, call the gateway hub or recording coordinator, and
// map the outcome to a status code.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/foxseedlab/partyroom/internal/apperr"
	"github.com/foxseedlab/partyroom/internal/config"
	"github.com/foxseedlab/partyroom/internal/gateway"
	"github.com/foxseedlab/partyroom/internal/protocol"
	"github.com/foxseedlab/partyroom/internal/recording"
	"github.com/foxseedlab/partyroom/internal/repository"
	"github.com/foxseedlab/partyroom/internal/room"
	"github.com/labstack/echo/v4"
)

const (
	HeaderSessionToken   = "X-Session-Token"
	HeaderCallbackSecret = "X-Callback-Secret"
)

type Handler struct {
	cfg      *config.Config
	hub      *gateway.Hub
	recorder *recording.Coordinator
}

func NewHandler(cfg *config.Config, hub *gateway.Hub) *Handler {
	return &Handler{cfg: cfg, hub: hub, recorder: hub.Recorder()}
}

var _ protocol.HTTPResolvable = (*Handler)(nil)

func (h *Handler) Resolve(e protocol.HTTPRouter) error {
	e.GET("/healthz", h.healthz)

	api := e.Group("/api")
	api.POST("/rooms", h.createRoom)
	api.GET("/rooms/:code", h.getRoom)
	api.POST("/rooms/:code/join", h.joinRoom)
	api.POST("/rooms/:code/leave", h.leaveRoom)
	api.PUT("/rooms/:code/preparation", h.updatePreparation)
	api.PUT("/rooms/:code/state", h.updateRoomState)
	api.POST("/rooms/:code/end", h.endRoom)
	api.POST("/rooms/:code/host-leave", h.hostLeave)
	api.POST("/rooms/:code/recording/start", h.startRecording)
	api.POST("/rooms/:code/recording/stop", h.stopRecording)
	api.POST("/rooms/:code/highlight", h.submitHighlight)

	internal := e.Group("/internal", h.requireSecret)
	internal.POST("/rooms/cleanup", h.cleanupExpiredRooms)
	internal.POST("/rooms/:code/recording/complete", h.completeRecording)
	internal.POST("/rooms/:code/highlight/callback", h.highlightCallback)
	return nil
}

type errorResponse struct {
	Reason    string `json:"reason"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable,omitempty"`
}

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindResourceExhausted:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(c echo.Context, err error) error {
	kind := apperr.KindOf(err)
	status := statusOf(kind)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	return c.JSON(status, errorResponse{
		Reason:    apperr.ReasonOf(err),
		Kind:      string(kind),
		Retryable: apperr.IsRetryable(err),
	})
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "malformed request body", err)
	}
	return nil
}

func (h *Handler) member(c echo.Context) (*room.Membership, error) {
	token := c.Request().Header.Get(HeaderSessionToken)
	if token == "" {
		return nil, apperr.Validation(HeaderSessionToken + " header is required")
	}
	return h.hub.Rooms().ResolveMembership(c.Request().Context(), c.Param("code"), token)
}

func (h *Handler) requireSecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		secret := h.cfg.HighlightCallbackSecret
		if secret == "" {
			return next(c)
		}
		got := c.Request().Header.Get(HeaderCallbackSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			slog.Warn("rejected internal request", "path", c.Path(), "remote_addr", c.RealIP())
			return fail(c, apperr.Forbidden("invalid callback secret"))
		}
		return next(c)
	}
}

func (h *Handler) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type createRoomRequest struct {
	Name     string          `json:"name"`
	Capacity int             `json:"capacity"`
	Nickname string          `json:"nickname"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

type membershipResponse struct {
	RoomCode     string                  `json:"roomCode"`
	SessionToken string                  `json:"sessionToken"`
	Self         gateway.ParticipantView `json:"self"`
	Room         gateway.RoomView        `json:"room"`
}

func (h *Handler) createRoom(c echo.Context) error {
	var req createRoomRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	m, err := h.hub.CreateRoom(c.Request().Context(), room.CreateRoomInput{
		Name:         req.Name,
		Capacity:     req.Capacity,
		SessionToken: c.Request().Header.Get(HeaderSessionToken),
		Nickname:     req.Nickname,
		Settings:     req.Settings,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, membershipResponse{
		RoomCode:     m.Room.Code,
		SessionToken: m.Guest.SessionToken,
		Self:         gateway.NewParticipantView(m.Participant),
		Room:         gateway.NewRoomView(m.Room),
	})
}

func (h *Handler) getRoom(c echo.Context) error {
	snap, err := h.hub.Rooms().GetRoomByCode(c.Request().Context(), c.Param("code"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, gateway.NewSnapshotView(*snap))
}

type joinRoomRequest struct {
	Nickname string `json:"nickname"`
}

func (h *Handler) joinRoom(c echo.Context) error {
	var req joinRoomRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	joined, err := h.hub.Join(c.Request().Context(), "", c.Param("code"), c.Request().Header.Get(HeaderSessionToken), req.Nickname)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, joined)
}

func (h *Handler) leaveRoom(c echo.Context) error {
	token := c.Request().Header.Get(HeaderSessionToken)
	if token == "" {
		return fail(c, apperr.Validation(HeaderSessionToken+" header is required"))
	}
	if err := h.hub.LeaveRoom(c.Request().Context(), c.Param("code"), token); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) updatePreparation(c echo.Context) error {
	m, err := h.member(c)
	if err != nil {
		return fail(c, err)
	}
	var update room.PreparationUpdate
	if err := bind(c, &update); err != nil {
		return fail(c, err)
	}
	p, err := h.hub.UpdatePreparation(c.Request().Context(), "", m.Room.Code, m.Guest.ID, update)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, gateway.NewParticipantView(*p))
}

type roomStateRequest struct {
	State repository.RoomState `json:"state"`
}

func (h *Handler) updateRoomState(c echo.Context) error {
	m, err := h.member(c)
	if err != nil {
		return fail(c, err)
	}
	var req roomStateRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	r, err := h.hub.UpdateRoomState(c.Request().Context(), m.Room.Code, m.Guest.ID, req.State)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, gateway.NewRoomView(*r))
}

func (h *Handler) endRoom(c echo.Context) error {
	m, err := h.member(c)
	if err != nil {
		return fail(c, err)
	}
	r, err := h.hub.EndRoom(c.Request().Context(), m.Room.Code, m.Guest.ID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, gateway.NewRoomView(*r))
}

func (h *Handler) hostLeave(c echo.Context) error {
	m, err := h.member(c)
	if err != nil {
		return fail(c, err)
	}
	r, err := h.recorder.HostLeave(c.Request().Context(), m.Room.Code, m.Guest.ID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, gateway.NewRoomView(*r))
}

type startRecordingRequest struct {
	Countdown bool `json:"countdown"`
}

func (h *Handler) startRecording(c echo.Context) error {
	m, err := h.member(c)
	if err != nil {
		return fail(c, err)
	}
	var req startRecordingRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	ctx := c.Request().Context()
	if req.Countdown {
		if err := h.recorder.StartWithCountdown(ctx, m.Room.Code, m.Guest.ID); err != nil {
			return fail(c, err)
		}
		return c.NoContent(http.StatusAccepted)
	}
	session, err := h.recorder.Start(ctx, m.Room.Code, m.Guest.ID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, newRecordingView(session))
}

func (h *Handler) stopRecording(c echo.Context) error {
	m, err := h.member(c)
	if err != nil {
		return fail(c, err)
	}
	session, err := h.recorder.Stop(c.Request().Context(), m.Room.Code, m.Guest.ID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, newRecordingView(session))
}

type recordingView struct {
	ID          string                     `json:"id"`
	Status      repository.RecordingStatus `json:"status"`
	StartedAt   time.Time                  `json:"startedAt"`
	EndedAt     *time.Time                 `json:"endedAt,omitempty"`
	StoragePath string                     `json:"storagePath"`
}

func newRecordingView(s *repository.RecordingSession) recordingView {
	return recordingView{
		ID:          s.ID,
		Status:      s.Status,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		StoragePath: s.StoragePath,
	}
}

type cleanupResponse struct {
	ExpiredRoomCodes []string `json:"expiredRoomCodes"`
	RoomsDeleted     int64    `json:"roomsDeleted"`
	GuestsDeleted    int64    `json:"guestsDeleted"`
}

type highlightRequest struct {
	MediaRefs []string `json:"mediaRefs"`
}

func (h *Handler) submitHighlight(c echo.Context) error {
	m, err := h.member(c)
	if err != nil {
		return fail(c, err)
	}
	if m.Participant.Role != repository.RoleHost {
		return fail(c, apperr.Forbidden("only the host can request highlights"))
	}
	var req highlightRequest
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	jobID, err := h.recorder.SubmitHighlightJob(c.Request().Context(), m.Room.Code, req.MediaRefs)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (h *Handler) cleanupExpiredRooms(c echo.Context) error {
	res, err := h.recorder.SweepExpired(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, cleanupResponse{
		ExpiredRoomCodes: res.ExpiredRoomCodes,
		RoomsDeleted:     res.RoomsDeleted,
		GuestsDeleted:    res.GuestsDeleted,
	})
}

func (h *Handler) completeRecording(c echo.Context) error {
	session, err := h.recorder.CompleteRecording(c.Request().Context(), c.Param("code"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, newRecordingView(session))
}

func (h *Handler) highlightCallback(c echo.Context) error {
	var result json.RawMessage
	if err := bind(c, &result); err != nil {
		return fail(c, err)
	}
	if err := h.recorder.HandleHighlightCallback(c.Request().Context(), c.Param("code"), result); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
