package httpgin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lusomaq/rentgo/internal/domain"
	"github.com/lusomaq/rentgo/internal/service"
	"github.com/lusomaq/rentgo/internal/service/hold"
	"github.com/lusomaq/rentgo/internal/service/jobs"
	"github.com/lusomaq/rentgo/internal/service/ops"
	"github.com/lusomaq/rentgo/internal/service/query"
	"github.com/lusomaq/rentgo/internal/service/reconcile"

	redisx "github.com/lusomaq/rentgo/internal/redis"
	redisrepo "github.com/lusomaq/rentgo/internal/repository/redis"
)

type RouterConfig struct {
	AllowedOrigins []string
	SweepSecret    string
	JobsBatchSize  int
}

func NewRouter(
	cfg RouterConfig,
	svcs *service.Services,
	idem *redisrepo.IdempotencyStore,
	logger *slog.Logger,
	middlewares ...gin.HandlerFunc,
) *gin.Engine {
	if cfg.JobsBatchSize <= 0 {
		cfg.JobsBatchSize = 20
	}

	r := gin.New()

	r.Use(gin.Recovery(), LoggingMiddleware(logger), RequestIDMiddleware(), CORS(cfg.AllowedOrigins))
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Public API
	r.GET("/machines", handleListMachines(svcs))
	r.GET("/machines/:id", handleGetMachine(svcs))
	r.GET("/machines/:id/availability", handleGetAvailability(svcs))

	r.POST("/bookings/holds", handleCreateHold(svcs, idem))
	r.GET("/bookings/:id", handleGetBooking(svcs))
	r.POST("/bookings/:id/ensure-confirmed", handleEnsureConfirmed(svcs))

	r.POST("/webhooks/stripe", handleStripeWebhook(svcs))

	// Internal API: sweeps for external schedulers plus staff surfaces.
	internal := r.Group("/internal", SharedSecretMiddleware(cfg.SweepSecret))
	{
		internal.POST("/sweeps/expire-holds", handleExpireHolds(svcs))
		internal.POST("/sweeps/process-jobs", handleProcessJobs(svcs, cfg.JobsBatchSize))
		internal.GET("/jobs/failed", handleListFailedJobs(svcs))
		internal.POST("/bookings", handleOpsBooking(svcs))
		internal.POST("/machines", handleCreateMachine(svcs))
	}

	return r
}

func handleListMachines(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		machines, err := svcs.Query.ListMachines(c.Request.Context())
		if err != nil {
			respondErr(c, err)
			return
		}
		writeJSONWithCache(c, http.StatusOK, machines, "public, max-age=60")
	}
}

func handleGetMachine(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		machineID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		m, err := svcs.Query.GetMachine(c.Request.Context(), machineID)
		if err != nil {
			respondErr(c, err)
			return
		}
		writeJSONWithCache(c, http.StatusOK, m, "public, max-age=60")
	}
}

func handleGetAvailability(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		machineID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		ranges, err := svcs.Query.Availability(c.Request.Context(), machineID)
		if err != nil {
			respondErr(c, err)
			return
		}
		if ranges == nil {
			ranges = []domain.DateRange{}
		}
		writeJSONWithCache(c, http.StatusOK, ranges, "public, max-age=15")
	}
}

func handleCreateHold(svcs *service.Services, idem *redisrepo.IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateHoldRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		start, err := parseDay(req.StartDate)
		if err != nil {
			badRequest(c, "invalid start_date (YYYY-MM-DD)")
			return
		}
		end, err := parseDay(req.EndDate)
		if err != nil {
			badRequest(c, "invalid end_date (YYYY-MM-DD)")
			return
		}

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var idemStorageKey string
		if idem != nil && idemKey != "" {
			idemStorageKey = redisx.KeyIdemHold(req.MachineID, idemKey)

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

		selections := make([]hold.AddonSelection, 0, len(req.Addons))
		for _, a := range req.Addons {
			selections = append(selections, hold.AddonSelection{Code: a.Code, Units: a.Units})
		}

		res, err := svcs.Hold.CreateOrReuseHold(c.Request.Context(), hold.Request{
			MachineID:       req.MachineID,
			StartDate:       start,
			EndDate:         end,
			Customer:        req.Customer.toDomain(),
			Delivery:        req.Delivery,
			SiteAddress:     req.SiteAddress.toDomain(),
			BillingAddress:  req.BillingAddress.toDomain(),
			BusinessBilling: req.BusinessBilling,
			Addons:          selections,
			DiscountPercent: req.DiscountPercent,
			DepositOnly:     req.DepositOnly,
			ClientKey:       "ip:" + c.ClientIP(),
		})
		if err != nil {
			if idemStorageKey != "" && idem != nil {
				_ = idem.Release(c.Request.Context(), idemStorageKey)
			}
			respondErr(c, err)
			return
		}

		resp := CreateHoldResponse{
			BookingID:     res.BookingID,
			Reused:        res.Reused,
			HoldExpiresAt: res.HoldExpiresAt,
			SubtotalCents: res.SubtotalCents,
			DiscountCents: res.DiscountCents,
			TotalCents:    res.TotalCents,
			DueNowCents:   res.DueNowCents,
			CheckoutURL:   res.CheckoutURL,
		}

		if idemStorageKey != "" && idem != nil {
			b, _ := json.Marshal(resp)
			_ = idem.SaveResult(c.Request.Context(), idemStorageKey, string(b))
			c.Header("Idempotency-Key", idemKey)
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func handleGetBooking(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		bookingID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		b, err := svcs.Query.GetBooking(c.Request.Context(), bookingID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, toBookingResponse(b))
	}
}

// handleEnsureConfirmed is the success-page promotion: whichever of the
// webhook and this call arrives first performs the transition.
func handleEnsureConfirmed(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		bookingID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		// Body is optional; the payment intent id may only be known to
		// the webhook side.
		var req EnsureConfirmedRequest
		_ = c.ShouldBindJSON(&req)

		b, err := svcs.Reconcile.EnsureConfirmed(c.Request.Context(), bookingID, req.PaymentIntentID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, toBookingResponse(b))
	}
}

func handleStripeWebhook(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := c.GetRawData()
		if err != nil {
			badRequest(c, "unreadable body")
			return
		}

		sig := c.GetHeader("Stripe-Signature")
		if err := svcs.Reconcile.HandleWebhook(c.Request.Context(), payload, sig); err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

func handleExpireHolds(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := svcs.Hold.ExpireStaleHolds(c.Request.Context())
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, SweepResponse{Count: n})
	}
}

func handleProcessJobs(svcs *service.Services, batch int) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := svcs.Jobs.ProcessPending(c.Request.Context(), batch)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, SweepResponse{Count: int64(n)})
	}
}

func handleListFailedJobs(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := parseIntDefault(c.Query("limit"), 50)
		failed, err := svcs.Jobs.ListFailed(c.Request.Context(), limit)
		if err != nil {
			respondErr(c, err)
			return
		}
		if failed == nil {
			failed = []domain.BookingJob{}
		}
		c.JSON(http.StatusOK, failed)
	}
}

func handleOpsBooking(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OpsBookingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		start, err := parseDay(req.StartDate)
		if err != nil {
			badRequest(c, "invalid start_date (YYYY-MM-DD)")
			return
		}
		end, err := parseDay(req.EndDate)
		if err != nil {
			badRequest(c, "invalid end_date (YYYY-MM-DD)")
			return
		}

		id, err := svcs.Ops.CreateOpsBooking(c.Request.Context(), domain.OpsSpec{
			MachineID: req.MachineID,
			StartDate: start,
			EndDate:   end,
			Customer:  req.Customer.toDomain(),
			Note:      req.Note,
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, OpsBookingResponse{BookingID: id})
	}
}

func handleCreateMachine(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateMachineRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		addons := make([]domain.Addon, 0, len(req.Addons))
		for _, a := range req.Addons {
			addons = append(addons, domain.Addon{
				Code:        a.Code,
				Name:        a.Name,
				ChargeModel: domain.ChargeModel(a.ChargeModel),
				AmountCents: a.AmountCents,
			})
		}

		id, err := svcs.Ops.CreateMachine(c.Request.Context(), domain.Machine{
			Name:              req.Name,
			Slug:              req.Slug,
			DailyRateCents:    req.DailyRateCents,
			DepositCents:      req.DepositCents,
			MinRentalDays:     req.MinRentalDays,
			LeadTimeDays:      req.LeadTimeDays,
			SameDayCutoffHour: req.SameDayCutoffHour,
			Addons:            addons,
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, CreateMachineResponse{MachineID: id})
	}
}

// --- Helpers ---

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	s := c.Param(name)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
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
	// hold service
	case errors.Is(err, hold.ErrDatesUnavailable):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "dates no longer available"})
	case errors.Is(err, hold.ErrRateLimited):
		c.Header("Retry-After", "60")
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many requests"})
	case errors.Is(err, hold.ErrLeadTime):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "start date is inside the machine's lead time"})
	case errors.Is(err, hold.ErrBelowMinimumDays):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "rental shorter than the machine's minimum"})
	case errors.Is(err, hold.ErrOutsideServiceArea):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: "address outside the service area"})
	case errors.Is(err, hold.ErrInvalidDateRange),
		errors.Is(err, hold.ErrMissingAddress),
		errors.Is(err, hold.ErrInvalidCustomer),
		errors.Is(err, hold.ErrInvalidDiscount),
		errors.Is(err, hold.ErrUnknownAddon):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, hold.ErrMachineNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "machine not found"})

	// reconcile service
	case errors.Is(err, reconcile.ErrBadSignature):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid signature"})
	case errors.Is(err, reconcile.ErrBookingNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "booking not found"})
	case errors.Is(err, reconcile.ErrPaymentNotVerified):
		c.JSON(http.StatusPaymentRequired, ErrorResponse{Error: "payment not completed"})

	// ops service
	case errors.Is(err, ops.ErrOverlap):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "dates overlap an active booking"})
	case errors.Is(err, ops.ErrMachineNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "machine not found"})
	case errors.Is(err, ops.ErrInvalidDateRange), errors.Is(err, ops.ErrInvalidMachine):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})

	// jobs service
	case errors.Is(err, jobs.ErrUnknownJobType):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})

	// query service
	case errors.Is(err, query.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found"})

	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}
