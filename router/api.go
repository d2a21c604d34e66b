package router

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/statuswatch/oncall/db"
	"github.com/statuswatch/oncall/handlers"
	"github.com/statuswatch/oncall/internal/config"
	"github.com/statuswatch/oncall/services"
)

func NewGinRouter(pg *sql.DB, redis *redis.Client) *gin.Engine {
	r := gin.Default()

	// Add CORS middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Initialize providers
	twilioService := services.NewTwilioService(config.App.Twilio)
	mailService := services.NewMailService(config.App.SMTP)
	fcmService, _ := services.NewFCMService()
	webhookService := services.NewWebhookService()
	tokenService := services.NewTokenService(config.App.JWTSecret)

	// Initialize services
	alertService := services.NewAlertService(pg, redis, twilioService, mailService, fcmService, tokenService)
	alertService.PublicURL = config.App.PublicURL
	alertService.PhoneAlertsDailyLimit = config.App.PhoneAlertsDailyLimit

	subscriberService := services.NewSubscriberService(pg, twilioService, mailService, webhookService)
	callRoutingService := services.NewCallRoutingService(pg, twilioService, twilioService, config.App.BackendURL)

	// Initialize handlers
	alertHandler := handlers.NewAlertHandler(alertService, subscriberService, tokenService,
		db.NewAlertStore(pg), db.NewOnCallScheduleStatusStore(pg))
	callRoutingHandler := handlers.NewCallRoutingHandler(callRoutingService, db.NewCallRoutingStore(pg))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		incidents := api.Group("/incidents")
		{
			incidents.POST("/:id/alerts", alertHandler.TriggerIncidentAlerts)
			incidents.POST("/:id/events", alertHandler.ReportIncidentEvent)
			incidents.GET("/:id/alerts", alertHandler.ListIncidentAlerts)
			incidents.GET("/:id/schedule-status", alertHandler.ListScheduleStatuses)
		}

		callRouting := api.Group("/call-routing")
		{
			callRouting.POST("/voice", callRoutingHandler.Voice)
			callRouting.POST("/dial-status", callRoutingHandler.DialStatus)
			callRouting.POST("/call-status", callRoutingHandler.CallStatus)
			callRouting.PUT("/:id/schema", callRoutingHandler.UpdateSchema)
			callRouting.DELETE("/:id", callRoutingHandler.ReleaseNumber)
		}

		projects := api.Group("/projects")
		{
			projects.GET("/:project_id/call-routing", callRoutingHandler.List)
			projects.GET("/:project_id/call-routing/numbers", callRoutingHandler.SearchNumbers)
			projects.POST("/:project_id/call-routing", callRoutingHandler.ReserveNumber)
		}
	}

	// Token links from alert mail and SMS
	r.GET("/i/:id/:action", alertHandler.HandleIncidentActionToken)

	return r
}
