package handlers

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/statuswatch/oncall/db"
	"github.com/statuswatch/oncall/services"
)

type CallRoutingHandler struct {
	routingService *services.CallRoutingService
	routingStore   *db.CallRoutingStore
}

func NewCallRoutingHandler(routingService *services.CallRoutingService, routingStore *db.CallRoutingStore) *CallRoutingHandler {
	return &CallRoutingHandler{
		routingService: routingService,
		routingStore:   routingStore,
	}
}

// POST /api/call-routing/voice
// Inbound call webhook from the telephony provider. Always answers
// with TwiML, even on internal errors, so callers hear a rejection
// instead of a provider error tone.
func (h *CallRoutingHandler) Voice(c *gin.Context) {
	calledTo := c.PostForm("To")
	calledFrom := c.PostForm("From")
	callSID := c.PostForm("CallSid")

	twiml, err := h.routingService.GetCallResponse(c.Request.Context(), calledTo, calledFrom, callSID)
	if err != nil {
		log.Printf("Voice webhook failed for %s: %v", calledTo, err)
		twiml = services.NewVoiceResponse().Reject().String()
	}
	c.Data(http.StatusOK, "application/xml", []byte(twiml))
}

// POST /api/call-routing/dial-status
// Dial outcome callback. Unanswered primary dials fall through to the
// backup target.
func (h *CallRoutingHandler) DialStatus(c *gin.Context) {
	routingID := c.Query("routing_id")
	callSID := c.Query("call_sid")
	dialStatus := c.PostForm("DialCallStatus")

	twiml, err := h.routingService.HandleDialStatus(c.Request.Context(), routingID, callSID, dialStatus)
	if err != nil {
		log.Printf("Dial status webhook failed for call %s: %v", callSID, err)
		twiml = services.NewVoiceResponse().Reject().String()
	}
	c.Data(http.StatusOK, "application/xml", []byte(twiml))
}

// POST /api/call-routing/call-status
// Call lifecycle callback. A completed call triggers cost settlement.
func (h *CallRoutingHandler) CallStatus(c *gin.Context) {
	callSID := c.PostForm("CallSid")
	callStatus := c.PostForm("CallStatus")

	if callStatus == "completed" {
		go func() {
			if err := h.routingService.ChargeRoutedCall(context.Background(), callSID); err != nil {
				log.Printf("Failed to charge routed call %s: %v", callSID, err)
			}
		}()
	}
	c.Status(http.StatusOK)
}

// GET /api/projects/:project_id/call-routing
func (h *CallRoutingHandler) List(c *gin.Context) {
	routings, err := h.routingStore.FindByProject(c.Param("project_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load call routings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_routings": routings})
}

// GET /api/projects/:project_id/call-routing/numbers?country=US&area_code=415
func (h *CallRoutingHandler) SearchNumbers(c *gin.Context) {
	country := c.DefaultQuery("country", "US")
	areaCode := c.Query("area_code")

	numbers, err := h.routingService.Numbers.SearchNumbers(c.Request.Context(), country, areaCode)
	if err != nil {
		log.Printf("Number search failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "number search failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"numbers": numbers})
}

type reserveNumberRequest struct {
	PhoneNumber string `json:"phone_number" binding:"required"`
	Locality    string `json:"locality"`
	Region      string `json:"region"`
	CountryCode string `json:"country_code"`
}

// POST /api/projects/:project_id/call-routing
func (h *CallRoutingHandler) ReserveNumber(c *gin.Context) {
	var req reserveNumberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	routing, err := h.routingService.ReserveNumber(c.Request.Context(), c.Param("project_id"),
		req.PhoneNumber, req.Locality, req.Region, req.CountryCode)
	if err != nil {
		log.Printf("Failed to reserve number %s: %v", req.PhoneNumber, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to reserve number"})
		return
	}
	c.JSON(http.StatusCreated, routing)
}

// PUT /api/call-routing/:id/schema
func (h *CallRoutingHandler) UpdateSchema(c *gin.Context) {
	var schema db.RoutingSchema
	if err := c.ShouldBindJSON(&schema); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.routingStore.UpdateSchema(c.Param("id"), schema); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update routing schema"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// DELETE /api/call-routing/:id
func (h *CallRoutingHandler) ReleaseNumber(c *gin.Context) {
	if err := h.routingService.ReleaseNumber(c.Request.Context(), c.Param("id")); err != nil {
		log.Printf("Failed to release call routing %s: %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to release number"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}
