package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xserver-network/xserverd/internal/chain"
	"github.com/xserver-network/xserverd/internal/middleware"
	"github.com/xserver-network/xserverd/internal/services"
	"github.com/xserver-network/xserverd/internal/signing"
	"github.com/xserver-network/xserverd/internal/stats"
	"github.com/xserver-network/xserverd/internal/tier"
)

// RouterConfig carries everything the request surface is built from.
type RouterConfig struct {
	Registry *services.Registry
	Ledger   *services.ReservationLedger
	Engine   *services.PriceLockEngine
	Admin    *services.AdminService
	Gate     *tier.Gate
	Heights  chain.HeightSource
	Verifier signing.Verifier
	Stats    *stats.Stats
	// Gatherer serves /metrics; nil means the default Prometheus registry.
	Gatherer  prometheus.Gatherer
	JWT       middleware.JWTConfig
	RateLimit middleware.RateLimit
	PeerSkew  time.Duration
	Version   string
	Logger    *zap.Logger
	Now       func() time.Time
}

// NewRouter builds the gin engine with every public, peer and operator
// route.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Verifier == nil {
		cfg.Verifier = signing.Secp256k1{}
	}
	if cfg.PeerSkew <= 0 {
		cfg.PeerSkew = 5 * time.Minute
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(cfg.Logger))

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+
			middleware.HeaderKeyAddress+", "+middleware.HeaderTimestamp+", "+middleware.HeaderSignature)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))

	limiter := middleware.NewRateLimiter(cfg.RateLimit, 10*time.Minute)
	public := router.Group("/")
	public.Use(limiter.Middleware())
	public.Use(middleware.PublicRequests(cfg.Stats, cfg.Gate))

	xserverHandler := NewXServerHandler(cfg.Registry, cfg.Heights, cfg.Gate, cfg.Version)
	profileHandler := NewProfileHandler(cfg.Ledger)
	priceLockHandler := NewPriceLockHandler(cfg.Engine)
	adminHandler := NewAdminHandler(cfg.Admin, cfg.Engine, cfg.JWT)

	public.GET("/ping", xserverHandler.Ping)

	registry := public.Group("/")
	registry.Use(middleware.TierGate(cfg.Gate, tier.RegistryMinimum))
	{
		registry.GET("/gettop", xserverHandler.GetTop)
		registry.POST("/registerserver", xserverHandler.RegisterServer)
		registry.POST("/heartbeat", xserverHandler.Heartbeat)
		registry.GET("/getactivecount", xserverHandler.GetActiveCount)
		registry.GET("/getactivexservers", xserverHandler.GetActiveXServers)
		registry.GET("/searchforxserver", xserverHandler.SearchForXServer)
	}

	profiles := public.Group("/")
	profiles.Use(middleware.TierGate(cfg.Gate, tier.ProfileMinimum))
	{
		profiles.GET("/getprofile", profileHandler.GetProfile)
		profiles.GET("/getprofiles", profileHandler.GetProfiles)
		profiles.POST("/registerprofile", profileHandler.RegisterProfile)

		peers := profiles.Group("/")
		peers.Use(middleware.PeerAuthMiddleware(cfg.Registry.SignAddressOf, cfg.Verifier, cfg.PeerSkew, cfg.Now))
		peers.POST("/receiveprofilereservation", profileHandler.ReceiveProfileReservation)
		peers.POST("/reservationlost", profileHandler.ReservationLost)
	}

	priceLocks := public.Group("/")
	priceLocks.Use(middleware.TierGate(cfg.Gate, tier.PriceLockMinimum))
	{
		priceLocks.GET("/getprice", priceLockHandler.GetPrice)
		priceLocks.GET("/getprices", priceLockHandler.GetPrices)
		priceLocks.POST("/createpricelock", priceLockHandler.CreatePriceLock)
		priceLocks.GET("/getpricelock", priceLockHandler.GetPriceLock)
		priceLocks.POST("/updatepricelock", priceLockHandler.UpdatePriceLock)
		priceLocks.POST("/submitpricelockpayment", priceLockHandler.SubmitPriceLockPayment)
	}

	admin := router.Group("/admin")
	admin.Use(limiter.Middleware())
	{
		admin.POST("/login", adminHandler.Login)

		settle := admin.Group("/")
		settle.Use(middleware.JWTMiddleware(cfg.JWT.Secret))
		settle.Use(middleware.TierGate(cfg.Gate, tier.PriceLockMinimum))
		settle.POST("/settlepricelock", adminHandler.SettlePriceLock)
	}

	return router
}
