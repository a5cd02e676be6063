package httpgin

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jbae-dev/stagepass/internal/domain"
	"github.com/jbae-dev/stagepass/internal/notify"
	redisrepo "github.com/jbae-dev/stagepass/internal/repository/redis"
	"github.com/jbae-dev/stagepass/internal/service"
	"github.com/jbae-dev/stagepass/internal/service/payment"
	"github.com/jbae-dev/stagepass/internal/service/reservation"
	"github.com/jbae-dev/stagepass/internal/service/session"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func NewRouter(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
	registry *notify.Registry,
	logger *slog.Logger,
	middlewares ...gin.HandlerFunc,
) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery(), LoggingMiddleware(logger), RequestIDMiddleware(), CORS())
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	// Swagger UI
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// health
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Session issuance is the only booking route without the session header.
	r.POST("/booking/sessions", handleCreateSession(svcs))

	booking := r.Group("/booking", BookingSessionMiddleware(svcs.Session))
	{
		booking.POST("/sessions/ping", handlePing(svcs))
		booking.POST("/sessions/leave", handleLeaveActive(svcs))
		booking.DELETE("/sessions", handleCloseSession(svcs))

		booking.POST("/schedules/:id/holds", handleAcquireHolds(svcs, idem))
		booking.DELETE("/schedules/:id/holds", handleReleaseHolds(svcs))
		booking.PATCH("/schedules/:id/holds/extend", handleExtendHolds(svcs))

		booking.POST("/reservations", handleCreateReservation(svcs))
		booking.GET("/reservations/seat-counts", handleSeatCounts(svcs))
		booking.GET("/reservations/:id", handleGetReservation(svcs))
		booking.DELETE("/reservations/:id", handleCancelReservation(svcs))

		booking.GET("/notifications", handleNotifications(registry))
	}

	// Gateway webhooks, authenticated upstream.
	r.POST("/payments/begin", handlePaymentBegin(svcs))
	r.POST("/payments/outcome", handlePaymentOutcome(svcs))

	return r
}

// --- Handlers with Swagger annotations ---

// @Summary  Exchange a waiting token for a booking session
// @Param    req body  CreateSessionRequest true "payload"
// @Success  201 {object} CreateSessionResponse
// @Failure  401 {object} ErrorResponse "token invalid"
// @Failure  409 {object} ErrorResponse "token already being exchanged"
// @Router   /booking/sessions [post]
func handleCreateSession(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		id, err := svcs.Session.Create(
			c.Request.Context(),
			req.UserID,
			req.ScheduleID,
			req.WaitingToken,
			req.DeviceID,
		)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusCreated, CreateSessionResponse{BookingSessionID: id})
	}
}

// @Summary  Keep the booking session active
// @Param    X-BOOKING-SESSION-ID header string true "session"
// @Success  204
// @Router   /booking/sessions/ping [post]
func handlePing(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec := sessionFromCtx(c)

		if err := svcs.Session.Ping(c.Request.Context(), rec.ID); err != nil {
			respondErr(c, err)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

// @Summary  Leave the seat map without closing the session
// @Param    X-BOOKING-SESSION-ID header string true "session"
// @Success  204
// @Router   /booking/sessions/leave [post]
func handleLeaveActive(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec := sessionFromCtx(c)

		if err := svcs.Session.LeaveActive(c.Request.Context(), rec.ID); err != nil {
			respondErr(c, err)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

// @Summary  Close the booking session
// @Param    X-BOOKING-SESSION-ID header string true "session"
// @Success  204
// @Router   /booking/sessions [delete]
func handleCloseSession(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec := sessionFromCtx(c)

		if err := svcs.Session.Close(c.Request.Context(), rec.ID); err != nil {
			respondErr(c, err)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

// @Summary  Hold seats (idempotent)
// @Param    id  path  int  true  "Schedule ID"
// @Param    req body  HoldRequest true "payload"
// @Header   201 {string} Idempotency-Key "echo"
// @Success  201 {object} HoldResponse
// @Failure  409 {object} ErrorResponse "seat held or sold / idem in progress"
// @Failure  429 {object} ErrorResponse "rate limited"
// @Router   /booking/schedules/{id}/holds [post]
func handleAcquireHolds(
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		scheduleID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}

		rec := sessionFromCtx(c)
		if rec.ScheduleID != scheduleID {
			respondErr(c, session.ErrScheduleMismatch)
			return
		}

		var req HoldRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var idemStorageKey string
		if idem != nil && idemKey != "" {
			idemStorageKey = redisrepo.KeyIdemHold(scheduleID, idemKey)

			if payload, ok, _ := idem.GetResult(c.Request.Context(), idemStorageKey); ok {
				c.Header("Idempotency-Key", idemKey)
				c.Data(http.StatusCreated, "application/json; charset=utf-8", []byte(payload))
				return
			}

			locked, err := idem.AcquireLock(c.Request.Context(), idemStorageKey, 60*time.Second)
			if err != nil {
				respondErr(c, err)
				return
			}
			if !locked {
				if payload, ok, _ := idem.GetResult(c.Request.Context(), idemStorageKey); ok {
					c.Header("Idempotency-Key", idemKey)
					c.Data(http.StatusCreated, "application/json; charset=utf-8", []byte(payload))
					return
				}
				c.Header("Retry-After", "1")
				c.JSON(http.StatusConflict, ErrorResponse{Error: "idempotency key in progress"})
				return
			}
		}

		ttl := time.Duration(req.TTLSec) * time.Second
		rlKey := "ip:" + c.ClientIP()

		expiresAt, err := svcs.Reservation.AcquireHolds(
			c.Request.Context(),
			rec.UserID,
			scheduleID,
			req.SeatIDs,
			ttl,
			rlKey,
		)
		if err != nil {
			if idemStorageKey != "" && idem != nil {
				_ = idem.Release(c.Request.Context(), idemStorageKey)
			}
			if errors.Is(err, reservation.ErrRateLimited) {
				c.Header("Retry-After", "60")
				c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many hold requests"})
				return
			}
			respondErr(c, err)
			return
		}

		resp := HoldResponse{SeatIDs: req.SeatIDs, ExpiresAt: expiresAt}

		if idemStorageKey != "" && idem != nil {
			b, _ := json.Marshal(resp)
			_ = idem.SaveResult(c.Request.Context(), idemStorageKey, string(b))
			c.Header("Idempotency-Key", idemKey)
		}

		c.JSON(http.StatusCreated, resp)
	}
}

// @Summary  Release held seats
// @Param    id  path  int  true  "Schedule ID"
// @Param    req body  HoldRequest true "payload"
// @Success  204
// @Router   /booking/schedules/{id}/holds [delete]
func handleReleaseHolds(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		scheduleID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}

		rec := sessionFromCtx(c)

		var req HoldRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		if err := svcs.Reservation.ReleaseHolds(
			c.Request.Context(),
			rec.UserID,
			scheduleID,
			req.SeatIDs,
		); err != nil {
			respondErr(c, err)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

// @Summary  Extend held seats
// @Param    id  path  int  true  "Schedule ID"
// @Param    req body  HoldRequest true "payload"
// @Success  200 {object} HoldResponse
// @Failure  409 {object} ErrorResponse "hold expired or not yours"
// @Router   /booking/schedules/{id}/holds/extend [patch]
func handleExtendHolds(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		scheduleID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}

		rec := sessionFromCtx(c)

		var req HoldRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		expiresAt, err := svcs.Reservation.ExtendHolds(
			c.Request.Context(),
			rec.UserID,
			scheduleID,
			req.SeatIDs,
			time.Duration(req.TTLSec)*time.Second,
		)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, HoldResponse{SeatIDs: req.SeatIDs, ExpiresAt: expiresAt})
	}
}

// @Summary  Convert holds into a reservation
// @Param    req body  CreateReservationRequest true "payload"
// @Success  201 {object} ReservationResponse
// @Failure  409 {object} ErrorResponse "hold expired or not yours"
// @Router   /booking/reservations [post]
func handleCreateReservation(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec := sessionFromCtx(c)

		var req CreateReservationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		if err := svcs.Session.ValidateForSchedule(
			c.Request.Context(), rec.ID, req.ScheduleID,
		); err != nil {
			respondErr(c, err)
			return
		}

		rsv, err := svcs.Reservation.CreateReservation(
			c.Request.Context(),
			rec.UserID,
			req.ScheduleID,
			req.SeatIDs,
		)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusCreated, toReservationResponse(rsv))
	}
}

// @Summary  Get a reservation
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Success  200 {object} ReservationResponse
// @Router   /booking/reservations/{id} [get]
func handleGetReservation(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec := sessionFromCtx(c)

		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			badRequest(c, "invalid reservation id")
			return
		}

		rsv, err := svcs.Reservation.GetReservation(c.Request.Context(), id, rec.UserID)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, toReservationResponse(rsv))
	}
}

// @Summary  Cancel a reservation
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Success  204
// @Router   /booking/reservations/{id} [delete]
func handleCancelReservation(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec := sessionFromCtx(c)

		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			badRequest(c, "invalid reservation id")
			return
		}

		if err := svcs.Reservation.CancelReservation(c.Request.Context(), id, rec.UserID); err != nil {
			respondErr(c, err)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

// @Summary  Seat counts per reservation
// @Param    ids  query  string  true  "comma separated reservation uuids"
// @Success  200 {object} map[string]int
// @Router   /booking/reservations/seat-counts [get]
func handleSeatCounts(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec := sessionFromCtx(c)

		raw := strings.Split(c.Query("ids"), ",")

		ids := make([]uuid.UUID, 0, len(raw))
		for _, s := range raw {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}

			id, err := uuid.Parse(s)
			if err != nil {
				badRequest(c, "invalid reservation id: "+s)
				return
			}

			ids = append(ids, id)
		}

		if len(ids) == 0 {
			badRequest(c, "ids query parameter is required")
			return
		}

		counts, err := svcs.Reservation.CountSeatsByReservationIDs(c.Request.Context(), rec.ScheduleID, ids)
		if err != nil {
			respondErr(c, err)
			return
		}

		out := make(map[string]int, len(counts))
		for id, n := range counts {
			out[id.String()] = n
		}

		writeJSONWithCache(c, http.StatusOK, out, "private, max-age=5", true)
	}
}

// @Summary  Live payment event stream (SSE)
// @Success  200
// @Router   /booking/notifications [get]
func handleNotifications(registry *notify.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec := sessionFromCtx(c)

		ch, remove := registry.Subscribe(rec.UserID, 16)
		defer remove()

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")

		c.Stream(func(w io.Writer) bool {
			select {
			case ev, ok := <-ch:
				if !ok {
					return false
				}
				c.SSEvent(string(ev.EventType), ev)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	}
}

// @Summary  Gateway checkout started
// @Param    req body  PaymentBeginRequest true "payload"
// @Success  204
// @Router   /payments/begin [post]
func handlePaymentBegin(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PaymentBeginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		id, err := uuid.Parse(req.ReservationID)
		if err != nil {
			badRequest(c, "invalid reservation_id")
			return
		}

		if err := svcs.Payment.BeginProcessing(c.Request.Context(), id); err != nil {
			respondErr(c, err)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

// @Summary  Gateway payment verdict
// @Param    req body  PaymentOutcomeRequest true "payload"
// @Success  204
// @Failure  409 {object} ErrorResponse "conflicting settled state"
// @Router   /payments/outcome [post]
func handlePaymentOutcome(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PaymentOutcomeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		id, err := uuid.Parse(req.ReservationID)
		if err != nil {
			badRequest(c, "invalid reservation_id")
			return
		}

		if err := svcs.Payment.ApplyOutcome(
			c.Request.Context(), id, domain.PaymentStatus(req.Outcome),
		); err != nil {
			respondErr(c, err)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

// --- Helpers ---

func sessionFromCtx(c *gin.Context) *redisrepo.SessionRecord {
	v, _ := c.Get(ctxBookingSession)
	rec, _ := v.(*redisrepo.SessionRecord)
	if rec == nil {
		return &redisrepo.SessionRecord{}
	}
	return rec
}

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	s := c.Param(name)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	switch {
	// session service
	case errors.Is(err, session.ErrMissingSessionHeader),
		errors.Is(err, session.ErrInvalidSession),
		errors.Is(err, session.ErrInvalidWaitingToken):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
	case errors.Is(err, session.ErrScheduleMismatch):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "session schedule mismatch"})
	case errors.Is(err, session.ErrDuplicateTokenUse):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "waiting token already in use"})
	// reservation service
	case errors.Is(err, reservation.ErrSeatAlreadyHeld):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "seat already held"})
	case errors.Is(err, reservation.ErrSeatSold):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "seat already sold"})
	case errors.Is(err, reservation.ErrSeatHoldExpired):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "seat hold expired"})
	case errors.Is(err, reservation.ErrSeatNotHeldByUser):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "seat not held by you"})
	case errors.Is(err, reservation.ErrReservationNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "reservation not found"})
	case errors.Is(err, reservation.ErrNotOwner):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "not your reservation"})
	case errors.Is(err, reservation.ErrPriceGradeNotFound):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "seat has no price"})
	// payment service
	case errors.Is(err, payment.ErrPaymentNotFound),
		errors.Is(err, payment.ErrReservationNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "payment not found"})
	case errors.Is(err, payment.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "payment state conflict"})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}
