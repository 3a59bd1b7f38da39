package call

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/internal/service/call"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/pagination"
	"callrelay-backend/pkg/response"
)

// Handler handles call HTTP requests
type Handler struct {
	callService *call.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *call.Service) *Handler {
	return &Handler{
		callService: callService,
	}
}

// GetActiveCall returns the caller's ringing or active call
// GET /v1/calls/active
func (h *Handler) GetActiveCall(c *gin.Context) {
	participantID, ok := participantFromContext(c)
	if !ok {
		return
	}

	rec, err := h.callService.GetActiveCall(c.Request.Context(), participantID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, rec)
}

// GetCallHistory lists the caller's ended calls
// GET /v1/calls/history?limit=20&offset=0
func (h *Handler) GetCallHistory(c *gin.Context) {
	participantID, ok := participantFromContext(c)
	if !ok {
		return
	}

	page, err := pagination.Parse(c.Query("limit"), c.Query("offset"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	events, err := h.callService.GetCallHistory(c.Request.Context(), participantID, page.Limit, page.Offset)
	if err != nil {
		if appErr := apperrors.GetAppError(err); appErr.StatusCode >= http.StatusInternalServerError {
			logger.FromContext(c.Request.Context()).Error("Failed to get call history",
				zap.String("participant_id", participantID.String()),
				zap.Error(err))
		}
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, pagination.NewPage(events, page))
}

// GetICEServers returns the STUN/TURN configuration for RTCPeerConnection
// GET /v1/calls/ice-servers
func (h *Handler) GetICEServers(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"ice_servers": h.callService.ICEServers(),
	})
}

func participantFromContext(c *gin.Context) (domain.ParticipantID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return "", false
	}
	id, ok := val.(string)
	if !ok || id == "" {
		response.InternalError(c, "Invalid user ID")
		return "", false
	}
	return domain.ParticipantID(id), true
}
