package handlers

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/statuswatch/oncall/db"
	"github.com/statuswatch/oncall/services"
)

type AlertHandler struct {
	alertService      *services.AlertService
	subscriberService *services.SubscriberService
	tokenService      *services.TokenService
	alertStore        *db.AlertStore
	statusStore       *db.OnCallScheduleStatusStore
}

func NewAlertHandler(alertService *services.AlertService, subscriberService *services.SubscriberService, tokenService *services.TokenService, alertStore *db.AlertStore, statusStore *db.OnCallScheduleStatusStore) *AlertHandler {
	return &AlertHandler{
		alertService:      alertService,
		subscriberService: subscriberService,
		tokenService:      tokenService,
		alertStore:        alertStore,
		statusStore:       statusStore,
	}
}

// POST /api/incidents/:id/alerts
// Fires the initial round of on-call alerts for a new incident and
// fans the created event out to subscribers.
func (h *AlertHandler) TriggerIncidentAlerts(c *gin.Context) {
	incidentID := c.Param("id")

	if err := h.alertService.SendCreatedIncident(c.Request.Context(), incidentID); err != nil {
		log.Printf("Failed to send created incident alerts for %s: %v", incidentID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send alerts"})
		return
	}

	go func() {
		if err := h.subscriberService.NotifySubscribers(context.Background(), incidentID, db.EventIncidentIdentified, ""); err != nil {
			log.Printf("Failed to notify subscribers for %s: %v", incidentID, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "alerts dispatched"})
}

type incidentEventRequest struct {
	EventType db.EventType `json:"event_type" binding:"required"`
	ActorName string       `json:"actor_name"`
	Message   string       `json:"message"`
}

// POST /api/incidents/:id/events
// Reports a lifecycle event (acknowledged, resolved, investigation
// notes) to the on-call team and subscribers.
func (h *AlertHandler) ReportIncidentEvent(c *gin.Context) {
	incidentID := c.Param("id")

	var req incidentEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch req.EventType {
	case db.EventIncidentAcknowledged:
		if err := h.alertService.MarkIncidentAcknowledged(c.Request.Context(), incidentID, req.ActorName); err != nil {
			log.Printf("Failed to mark incident %s acknowledged: %v", incidentID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop reminders"})
			return
		}
	case db.EventIncidentResolved:
		if err := h.alertService.MarkIncidentResolved(c.Request.Context(), incidentID, req.ActorName); err != nil {
			log.Printf("Failed to mark incident %s resolved: %v", incidentID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to close incident"})
			return
		}
	}

	if err := h.alertService.SendIncidentEvent(c.Request.Context(), incidentID, req.EventType, req.ActorName); err != nil {
		log.Printf("Failed to send %s event for %s: %v", req.EventType, incidentID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to notify team"})
		return
	}

	go func() {
		if err := h.subscriberService.NotifySubscribers(context.Background(), incidentID, req.EventType, req.Message); err != nil {
			log.Printf("Failed to notify subscribers for %s: %v", incidentID, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "event dispatched"})
}

// GET /api/incidents/:id/alerts
func (h *AlertHandler) ListIncidentAlerts(c *gin.Context) {
	incidentID := c.Param("id")

	alerts, err := h.alertStore.FindByIncident(incidentID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// GET /api/incidents/:id/schedule-status
func (h *AlertHandler) ListScheduleStatuses(c *gin.Context) {
	incidentID := c.Param("id")

	statuses, err := h.statusStore.FindByIncident(incidentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load schedule statuses"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"statuses": statuses})
}

// GET /i/:id/:action
// Token link from alert mail or SMS. Acknowledges or resolves the
// incident without a login.
func (h *AlertHandler) HandleIncidentActionToken(c *gin.Context) {
	incidentID := c.Param("id")
	action := c.Param("action")
	tokenString := c.Query("t")

	claims, err := h.tokenService.VerifyIncidentToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired link"})
		return
	}
	if claims.IncidentID != incidentID || claims.Action != action {
		c.JSON(http.StatusForbidden, gin.H{"error": "link does not match this incident"})
		return
	}

	eventType := db.EventIncidentAcknowledged
	update := h.alertService.MarkIncidentAcknowledged
	if action == "resolve" {
		eventType = db.EventIncidentResolved
		update = h.alertService.MarkIncidentResolved
	}

	if err := update(c.Request.Context(), incidentID, claims.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update incident"})
		return
	}
	if err := h.alertService.SendIncidentEvent(c.Request.Context(), incidentID, eventType, claims.UserID); err != nil {
		log.Printf("Failed to send %s event for %s: %v", eventType, incidentID, err)
	}

	c.JSON(http.StatusOK, gin.H{"status": string(eventType)})
}
