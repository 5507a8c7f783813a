package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/addresses"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/alerts"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/auth"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/blocks"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/facilities"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/geocode"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/observability"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "hazardmap_user_id"
	usernameContextKey = "hazardmap_username"
	loggerContextKey   = "hazardmap_logger"
	requestIDHeader    = "X-Request-ID"
)

var (
	errMissingAccounts     = errors.New("account service dependency required")
	errMissingIssuer       = errors.New("token issuer dependency required")
	errMissingValidator    = errors.New("session validator dependency required")
	errMissingAddressStore = errors.New("address store dependency required")
)

// AccountService registers and authenticates users.
type AccountService interface {
	Register(ctx context.Context, username, password string) (users.User, error)
	Authenticate(ctx context.Context, username, password string) (users.User, error)
}

// SessionIssuer mints session tokens.
type SessionIssuer interface {
	IssueSessionToken(ctx context.Context, identity auth.Identity) (string, int64, error)
}

// RequestValidator authenticates incoming requests.
type RequestValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// AddressStore persists address-like records.
type AddressStore interface {
	Create(ctx context.Context, kind addresses.Kind, userID int64, draft addresses.Draft) (addresses.Entry, error)
	List(ctx context.Context, filter addresses.Filter) ([]addresses.Entry, error)
	Update(ctx context.Context, kind addresses.Kind, id, callerID int64, draft addresses.Draft) (addresses.Entry, error)
	Delete(ctx context.Context, kind addresses.Kind, id, callerID int64) error
}

// FacilityCatalog lists fire stations and hospitals.
type FacilityCatalog interface {
	List(ctx context.Context, facilityType facilities.Type) ([]facilities.Facility, error)
}

// BlockCatalog serves district risk block datasets.
type BlockCatalog interface {
	Districts() []blocks.District
	Load(ctx context.Context, name string) (blocks.Dataset, error)
}

// Dependencies wires the HTTP handler. Facilities, Blocks, Alerts, Geocoder,
// Metrics and Dispatcher are optional; routes needing a missing one answer 503.
type Dependencies struct {
	Accounts       AccountService
	Issuer         SessionIssuer
	Validator      RequestValidator
	Addresses      AddressStore
	Facilities     FacilityCatalog
	Blocks         BlockCatalog
	Alerts         alerts.Source
	Geocoder       geocode.Geocoder
	Metrics        *observability.Metrics
	Dispatcher     *RealtimeDispatcher
	AllowedOrigins []string
	Clock          func() time.Time
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Issuer == nil {
		return nil, errMissingIssuer
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Addresses == nil {
		return nil, errMissingAddressStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	handler := &httpHandler{
		accounts:   deps.Accounts,
		issuer:     deps.Issuer,
		validator:  deps.Validator,
		addresses:  deps.Addresses,
		facilities: deps.Facilities,
		blocks:     deps.Blocks,
		alerts:     deps.Alerts,
		geocoder:   deps.Geocoder,
		metrics:    deps.Metrics,
		dispatcher: deps.Dispatcher,
		viewports:  newViewportRegistry(),
		clock:      clock,
		logger:     logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.observeRequest)
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	router.POST("/login", handler.handleLogin)
	router.POST("/register", handler.handleRegister)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/addresses", handler.listAddresses(addresses.KindGeneral))
	protected.POST("/addresses", handler.createAddress(addresses.KindGeneral))
	protected.PUT("/addresses/:id", handler.updateAddress(addresses.KindGeneral))
	protected.DELETE("/addresses/:id", handler.deleteAddress(addresses.KindGeneral))

	protected.GET("/fire-addresses", handler.listAddresses(addresses.KindFire))
	protected.POST("/fire-addresses", handler.createAddress(addresses.KindFire))
	protected.PUT("/fire-addresses/:id", handler.updateAddress(addresses.KindFire))
	protected.DELETE("/fire-addresses/:id", handler.deleteAddress(addresses.KindFire))

	protected.GET("/default-addresses", handler.listAddresses(addresses.KindDefault))
	protected.GET("/users/:id/addresses", handler.requireSelf, handler.listAddresses(addresses.KindUser))
	protected.POST("/users/:id/addresses", handler.requireSelf, handler.createAddress(addresses.KindUser))
	protected.DELETE("/user-addresses/:id", handler.deleteAddress(addresses.KindUser))

	protected.GET("/facilities", handler.handleFacilities)
	protected.GET("/blocks", handler.handleDistricts)
	protected.GET("/blocks/:gu", handler.handleBlocks)
	protected.GET("/alerts", handler.handleAlerts)
	protected.GET("/map/layers", handler.handleMapLayers)
	protected.GET("/map/viewport", handler.handleViewport)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	accounts   AccountService
	issuer     SessionIssuer
	validator  RequestValidator
	addresses  AddressStore
	facilities FacilityCatalog
	blocks     BlockCatalog
	alerts     alerts.Source
	geocoder   geocode.Geocoder
	metrics    *observability.Metrics
	dispatcher *RealtimeDispatcher
	viewports  *viewportRegistry
	clock      func() time.Time
	logger     *zap.Logger
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

// observeRequest tags the request with an id, then records the access log line and metrics.
func (h *httpHandler) observeRequest(c *gin.Context) {
	requestID := c.GetHeader(requestIDHeader)
	if requestID == "" {
		if generated, err := uuid.NewV7(); err == nil {
			requestID = generated.String()
		}
	}
	c.Header(requestIDHeader, requestID)
	requestLogger := h.logger.With(zap.String("request_id", requestID))
	c.Set(loggerContextKey, requestLogger)

	started := h.clock()
	c.Next()
	elapsed := h.clock().Sub(started)

	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	status := c.Writer.Status()
	if h.metrics != nil {
		h.metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		h.metrics.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(elapsed.Seconds())
	}
	requestLogger.Debug("http request",
		zap.String("method", c.Request.Method),
		zap.String("route", route),
		zap.Int("status", status),
		zap.Duration("elapsed", elapsed),
	)
}

func (h *httpHandler) requestLogger(c *gin.Context) *zap.Logger {
	if value, ok := c.Get(loggerContextKey); ok {
		if logger, ok := value.(*zap.Logger); ok {
			return logger
		}
	}
	return h.logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		logger := h.requestLogger(c)
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			logger.Info("token validation failed", zap.Error(err))
		} else {
			logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(usernameContextKey, claims.Username)
	c.Next()
}

// requireSelf rejects /users/:id routes addressed to another account.
func (h *httpHandler) requireSelf(c *gin.Context) {
	target, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || target <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	if target != c.GetInt64(userIDContextKey) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) publish(kind addresses.Kind, action string, addressID, actorID int64) {
	if h.dispatcher == nil {
		return
	}
	h.dispatcher.Publish(RealtimeMessage{
		EventType: RealtimeEventAddressChanged,
		Kind:      string(kind),
		Action:    action,
		AddressID: addressID,
		ActorID:   actorID,
		Timestamp: h.clock().UTC(),
	})
}

func unavailable(c *gin.Context, code string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": code})
}
