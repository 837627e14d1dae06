package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"booking-service/internal/gateway"
	"booking-service/internal/pricing"
	"booking-service/internal/service"
	"booking-service/internal/store"
	"booking-service/internal/util"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxWebhookBytes = 1 << 20

// Handler contains HTTP handlers
type Handler struct {
	bookingService *service.BookingService
	auth           *Authenticator
	allowedOrigins []string
}

// NewHandler creates a new HTTP handler
func NewHandler(bookingService *service.BookingService, auth *Authenticator, allowedOrigins []string) *Handler {
	return &Handler{
		bookingService: bookingService,
		auth:           auth,
		allowedOrigins: allowedOrigins,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())
	router.Use(h.corsMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/webhooks/:provider", h.handleWebhook)
		v1.GET("/listings/:id/calendar", h.getCalendar)

		bookings := v1.Group("/bookings", h.auth.JWTAuth())
		bookings.POST("", h.reserve)
		bookings.GET("/:id", h.getBooking)
		bookings.POST("/:id/cancel", h.cancelBooking)

		admin := v1.Group("/admin", h.auth.JWTAuth(), RequireRole("admin"))
		admin.GET("/reconciliation-cases", h.listReconciliationCases)
	}
}

func (h *Handler) corsMiddleware() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	if len(h.allowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = h.allowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "Idempotency-Key")
	return cors.New(corsConfig)
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once the ledger answers
func (h *Handler) readinessCheck(c *gin.Context) {
	if err := h.bookingService.Ready(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// reserve handles booking creation
func (h *Handler) reserve(c *gin.Context) {
	var req service.ReserveRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	req.UserID = currentUser(c)
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	resp, err := h.bookingService.Reserve(c.Request.Context(), &req)
	if err != nil {
		writeError(c, "Failed to reserve booking", err)
		return
	}

	if resp.Replayed {
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(http.StatusCreated, resp)
}

// getBooking handles get booking by ID
func (h *Handler) getBooking(c *gin.Context) {
	bookingID, ok := parseID(c, "Invalid booking ID")
	if !ok {
		return
	}

	details, err := h.bookingService.GetBooking(c.Request.Context(), currentUser(c), bookingID)
	if err != nil {
		writeError(c, "Failed to get booking", err)
		return
	}

	c.JSON(http.StatusOK, details)
}

// cancelBooking abandons a pending booking
func (h *Handler) cancelBooking(c *gin.Context) {
	bookingID, ok := parseID(c, "Invalid booking ID")
	if !ok {
		return
	}

	booking, err := h.bookingService.CancelBooking(c.Request.Context(), currentUser(c), bookingID)
	if err != nil {
		writeError(c, "Failed to cancel booking", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"booking": booking})
}

// getCalendar lists booked nights of a listing between from and to
func (h *Handler) getCalendar(c *gin.Context) {
	listingID, ok := parseID(c, "Invalid listing ID")
	if !ok {
		return
	}

	items, err := h.bookingService.GetCalendar(c.Request.Context(), listingID, c.Query("from"), c.Query("to"))
	if err != nil {
		writeError(c, "Failed to get calendar", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"listing_id": listingID,
		"items":      items,
	})
}

// handleWebhook receives provider notifications. Only a 2xx stops the
// provider from redelivering.
func (h *Handler) handleWebhook(c *gin.Context) {
	provider := c.Param("provider")

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid webhook body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.bookingService.HandleNotification(c.Request.Context(), provider, body, c.Request.Header)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, gateway.ErrUnknownProvider):
			status = http.StatusNotFound
		case errors.Is(err, gateway.ErrInvalidSignature):
			status = http.StatusUnauthorized
		case errors.Is(err, gateway.ErrMalformedPayload):
			status = http.StatusBadRequest
		default:
			util.GetLogger().Error("Webhook processing failed",
				zap.String("provider", provider),
				zap.Error(err))
		}
		c.JSON(status, gin.H{"error": "Webhook rejected"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// listReconciliationCases shows flagged payments to operators
func (h *Handler) listReconciliationCases(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	cases, err := h.bookingService.ListReconciliationCases(c.Request.Context(), limit)
	if err != nil {
		writeError(c, "Failed to list reconciliation cases", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"cases": cases})
}

func parseID(c *gin.Context, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   msg,
			"details": err.Error(),
		})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps service errors to status codes
func writeError(c *gin.Context, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		util.GetLogger().Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pricing.ErrInvalidDate),
		errors.Is(err, pricing.ErrInvalidRange),
		errors.Is(err, pricing.ErrPastDate),
		errors.Is(err, pricing.ErrInvalidPrice),
		errors.Is(err, service.ErrOwnListing),
		errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, gateway.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrRequestInFlight),
		errors.Is(err, store.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrGateway):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
