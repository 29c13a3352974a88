package http

import (
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goatnetwork/goat-mixer/internal/coordinator"
	"github.com/goatnetwork/goat-mixer/internal/mixer"
	"github.com/goatnetwork/goat-mixer/internal/pool"
	log "github.com/sirupsen/logrus"
)

func (hs *HTTPServer) handleQueueMix(c *gin.Context) {
	var body MixRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	req, err := body.toRequest()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := hs.engine.QueueMixRequest(c.Request.Context(), req)
	if err != nil {
		c.JSON(mixErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "request_id": id})
}

func mixErrorStatus(err error) int {
	switch {
	case errors.Is(err, mixer.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, mixer.ErrSecurityRejected):
		return http.StatusForbidden
	case errors.Is(err, mixer.ErrQueueFull), errors.Is(err, mixer.ErrCapacityExceeded), errors.Is(err, mixer.ErrEngineNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, mixer.ErrMixNotFound):
		return http.StatusNotFound
	default:
		log.Errorf("Mix request failed: %v", err)
		return http.StatusInternalServerError
	}
}

func (hs *HTTPServer) handleMixStatus(c *gin.Context) {
	st, err := hs.engine.GetMixStatus(c.Param("id"))
	if err != nil {
		c.JSON(mixErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (hs *HTTPServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, hs.engine.GetStatus())
}

func (hs *HTTPServer) handleStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, hs.engine.GetStatistics())
}

func (hs *HTTPServer) handleHealth(c *gin.Context) {
	report := hs.engine.HealthCheck(c.Request.Context())
	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (hs *HTTPServer) handlePool(c *gin.Context) {
	stats, err := hs.pools.GetPoolStatistics(c.Param("currency"))
	if err != nil {
		if errors.Is(err, pool.ErrPoolNotFound) || errors.Is(err, pool.ErrPoolNotConfigured) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (hs *HTTPServer) handleInvitations(c *gin.Context) {
	invitations := hs.participants.Invitations(c.Param("participant"))
	views := make([]InvitationView, 0, len(invitations))
	for _, inv := range invitations {
		views = append(views, newInvitationView(inv))
	}
	c.JSON(http.StatusOK, gin.H{"invitations": views})
}

func participantErrorStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrSessionNotFound), errors.Is(err, coordinator.ErrNotInvited):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrAlreadyAnswered), errors.Is(err, coordinator.ErrSignatureNotRequested):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (hs *HTTPServer) handleConfirm(c *gin.Context) {
	var body ConfirmBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	answer := hs.participants.Confirm
	if body.Accept != nil && !*body.Accept {
		answer = hs.participants.Decline
	}
	if err := answer(c.Param("id"), body.ParticipantID); err != nil {
		c.JSON(participantErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (hs *HTTPServer) handleSignature(c *gin.Context) {
	var body SignatureBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	signed, err := hex.DecodeString(body.SignedTx)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signed_tx is not hex"})
		return
	}
	if err := hs.participants.SubmitSignature(c.Param("id"), body.ParticipantID, signed); err != nil {
		c.JSON(participantErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
