package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	billingeventdomain "github.com/smallbiznis/dunningd/internal/billingevent/domain"
	"github.com/smallbiznis/dunningd/internal/clock"
	"github.com/smallbiznis/dunningd/internal/config"
	"github.com/smallbiznis/dunningd/internal/lifecycle"
	"github.com/smallbiznis/dunningd/internal/observability"
	obsmiddleware "github.com/smallbiznis/dunningd/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/dunningd/internal/observability/metrics"
	obstracing "github.com/smallbiznis/dunningd/internal/observability/tracing"
	"github.com/smallbiznis/dunningd/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/dunningd/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(func(e *lifecycle.Engine) Lifecycle { return e }),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// Lifecycle is the write side the API may drive. Status is only ever
// changed through events.
type Lifecycle interface {
	Create(ctx context.Context, req subscriptiondomain.CreateRequest) (subscriptiondomain.Subscription, error)
	RecordActivity(ctx context.Context, req subscriptiondomain.ActivityRequest) error
	Apply(ctx context.Context, ev subscriptiondomain.Event) (subscriptiondomain.Result, error)
}

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	clock           clock.Clock
	lifecycle       Lifecycle
	subscriptionSvc subscriptiondomain.Service
	billingEventSvc billingeventdomain.Service
	webhookLimiter  *ratelimit.WebhookLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	Clock           clock.Clock
	Lifecycle       Lifecycle
	SubscriptionSvc subscriptiondomain.Service
	BillingEventSvc billingeventdomain.Service
	WebhookLimiter  *ratelimit.WebhookLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		clock:           p.Clock,
		lifecycle:       p.Lifecycle,
		subscriptionSvc: p.SubscriptionSvc,
		billingEventSvc: p.BillingEventSvc,
		webhookLimiter:  p.WebhookLimiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.RegisterAPIRoutes()
	return svc
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/v1")

	webhooks := api.Group("/webhooks")
	webhooks.POST("/gateway", s.WebhookRateLimit(), s.HandleGatewayWebhook)
	webhooks.POST("/gateway/batch", s.WebhookRateLimit(), s.HandleGatewayWebhookBatch)

	api.POST("/notifications/tracking", s.HandleTracking)

	api.POST("/subscriptions", s.CreateSubscription)
	api.GET("/subscriptions", s.ListSubscriptions)
	api.GET("/subscriptions/:id/state", s.GetSubscriptionState)
	api.GET("/subscriptions/:id/events", s.ListSubscriptionEvents)
	api.POST("/subscriptions/:id/activity", s.RecordActivity)
	api.POST("/subscriptions/:id/reactivate", s.ReactivateSubscription)

	s.engine.GET("/readyz", s.Ready)
}

// Ready reports whether the record store answers.
func (s *Server) Ready(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
