package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/subgate/subgate/internal/auth"
	"github.com/subgate/subgate/internal/config"
	"github.com/subgate/subgate/internal/db"
	"github.com/subgate/subgate/internal/esp"
	"github.com/subgate/subgate/internal/health"
	"github.com/subgate/subgate/internal/logging"
	"github.com/subgate/subgate/internal/metrics"
	"github.com/subgate/subgate/internal/newsletter"
	"github.com/subgate/subgate/internal/subscriber"
	"github.com/subgate/subgate/internal/task"
	"github.com/subgate/subgate/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()
	logger := logging.New("gateway")

	shutdownTracing, err := tracing.InitTracing(ctx, "subgate-gateway")
	if err != nil {
		log.Fatalf("tracing init: %v", err)
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("db schema: %v", err)
	}

	publisher, err := task.NewNSQPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.TasksTopic, logger)
	if err != nil {
		log.Fatalf("nsq producer: %v", err)
	}
	defer publisher.Stop()

	registry := newsletter.NewRegistry(newsletter.NewPGSource(pool))
	espClient := esp.NewRESTClient(cfg.ESP, registry, logger)
	subs := subscriber.NewPGStore(pool)
	authorizer := auth.NewAuthorizer(cfg.Auth)

	api := &apiServer{
		cfg:       cfg,
		registry:  registry,
		esp:       espClient,
		subs:      subs,
		publisher: publisher,
		auth:      authorizer,
		logger:    logger,
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	router := api.router()
	router.GET("/healthz", func(c *gin.Context) { health.Handler(pool)(c.Writer, c.Request) })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	srv := &http.Server{Addr: cfg.Gateway.HTTPPort, Handler: router}
	go func() {
		log.Printf("gateway HTTP listening on %s", cfg.Gateway.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	_ = srv.Shutdown(context.Background())
	log.Println("gateway stopped")
}
