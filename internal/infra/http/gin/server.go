package ginserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	gin "github.com/gin-gonic/gin"

	"tripsaga/internal/infra/config"
	"tripsaga/internal/infra/obs"
)

type SagaHTTP interface {
	Create(c *gin.Context)
	Get(c *gin.Context)
	SelectTransport(c *gin.Context)
	SelectHotel(c *gin.Context)
	Pay(c *gin.Context)
	Cancel(c *gin.Context)
	Close(c *gin.Context)
}

type StreamHTTP interface {
	Stream(c *gin.Context)
}

type CallbackHTTP interface {
	CardPaymentComplete(c *gin.Context)
}

type Handlers struct {
	Sagas     SagaHTTP
	Stream    StreamHTTP
	Callbacks CallbackHTTP
}

func NewServer(cfg config.Config, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *http.Server {
	mode := configureGinMode(cfg.Env)
	if obsMW.Logger != nil {
		obsMW.Logger.Info("gin initialized", "mode", mode)
	}
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewRouter(obsMW, health, h),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewRouter builds the gin engine without touching the global gin mode.
func NewRouter(obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(obsMW.RequestID())
	router.Use(obsMW.LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Idempotency-Key", "Last-Event-ID"},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Type",
			obs.RequestIDHeader,
		},
		MaxAge: 12 * time.Hour,
	}))

	router.GET("/livez", health.Livez)
	router.GET("/readyz", health.Readyz)

	api := router.Group("/api/v1")
	if h.Sagas != nil {
		sagas := api.Group("/sagas")
		sagas.POST("", h.Sagas.Create)
		sagas.GET("/:id", h.Sagas.Get)
		sagas.POST("/:id/transport-selection", h.Sagas.SelectTransport)
		sagas.POST("/:id/hotel-selection", h.Sagas.SelectHotel)
		sagas.POST("/:id/payment", h.Sagas.Pay)
		sagas.POST("/:id/cancel", h.Sagas.Cancel)
		sagas.POST("/:id/close", h.Sagas.Close)
	}
	if h.Stream != nil {
		api.GET("/sagas/:id/stream", h.Stream.Stream)
	}
	if h.Callbacks != nil {
		api.POST("/callbacks/card-payment-complete", h.Callbacks.CardPaymentComplete)
	}
	return router
}

func configureGinMode(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "debug", "dev", "local":
		gin.SetMode(gin.DebugMode)
		return gin.DebugMode
	case "test", "testing":
		gin.SetMode(gin.TestMode)
		return gin.TestMode
	default:
		gin.SetMode(gin.ReleaseMode)
		return gin.ReleaseMode
	}
}
