package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loyalty-backend/checkin"
	"loyalty-backend/checkout"
	"loyalty-backend/ledger"
)

type RouterConfig struct {
	CORSOrigins []string
	// TrustedProxies lists the proxy addresses or CIDRs whose forwarding
	// headers are believed. Empty means the client IP is the peer address.
	TrustedProxies []string
	Scans          *ScanLimiter
	// Ping checks the backing store for /health. Optional.
	Ping func(ctx context.Context) error
}

func NewRouter(l *ledger.Ledger, checkins *checkin.Service, orders *checkout.Service, cfg RouterConfig, logger *slog.Logger) (*gin.Engine, error) {
	userHandler := NewUserHandler(l, logger)
	eventHandler := NewEventHandler(checkins, logger)
	checkinHandler := NewCheckinHandler(checkins, logger)
	orderHandler := NewOrderHandler(orders, logger)

	router := gin.Default()
	// The scan limiter keys on ClientIP, so forwarding headers are only
	// honoured from known proxies.
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Retry-After"}
	router.Use(cors.New(corsConfig))

	scans := cfg.Scans
	if scans == nil {
		scans = NewScanLimiter(5, 10)
	}

	api := router.Group("/api/v1")
	{
		// Balances and ledger
		api.GET("/balances/:userId", userHandler.GetBalance)
		api.GET("/balances/:userId/history", userHandler.GetHistory)
		api.GET("/balances/:userId/reconcile", userHandler.Reconcile)
		api.POST("/transfers", userHandler.Transfer)
		api.POST("/adjustments", userHandler.Adjust)

		// Events
		api.POST("/events", eventHandler.CreateEvent)
		api.GET("/events/:id/qr", eventHandler.GetQRCode)
		api.GET("/events/:id/status", eventHandler.GetStatus)
		api.GET("/events/:id/checkins", checkinHandler.GetCheckins)
		api.POST("/checkin", scans.Middleware(), checkinHandler.CheckIn)

		// Cart and kiosks
		api.POST("/cart/items", orderHandler.AddCartItem)
		api.GET("/cart/:userId", orderHandler.GetCart)
		api.POST("/checkout", orderHandler.Checkout)
		api.POST("/kiosks", orderHandler.CreateKiosk)
		api.POST("/kiosks/:id/orders", orderHandler.CreateKioskOrder)
		api.GET("/orders/:id", orderHandler.GetOrder)
		api.POST("/orders/:id/cancel", orderHandler.CancelOrder)
		api.POST("/kiosk/pay", scans.Middleware(), orderHandler.PayKioskOrder)
	}

	router.GET("/health", func(c *gin.Context) {
		if cfg.Ping != nil {
			if err := cfg.Ping(c); err != nil {
				logger.Error("health check failed", "error", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router, nil
}
