package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/browserbase-copilot/internal/api"
	"github.com/shehryarbajwa/browserbase-copilot/internal/broadcast"
	"github.com/shehryarbajwa/browserbase-copilot/internal/browser"
	"github.com/shehryarbajwa/browserbase-copilot/internal/config"
	"github.com/shehryarbajwa/browserbase-copilot/internal/engine"
	"github.com/shehryarbajwa/browserbase-copilot/internal/metrics"
	"github.com/shehryarbajwa/browserbase-copilot/internal/proxy"
	"github.com/shehryarbajwa/browserbase-copilot/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Starting Browserbase Copilot (%s)...", cfg.Summary())

	// Playwright drives the browsers over CDP; the browsers themselves run in Docker
	pw, err := playwright.Run()
	if err != nil {
		log.Fatalf("Failed to start playwright: %v", err)
	}
	defer pw.Stop()
	log.Println("✓ Playwright driver started")

	pool, err := browser.NewPool(cfg.ChromeImage)
	if err != nil {
		log.Fatalf("Failed to create browser pool: %v", err)
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	log.Printf("⏳ Ensuring %s is available...", cfg.ChromeImage)
	if err := pool.EnsureImage(ctx); err != nil {
		log.Fatalf("Failed to ensure image: %v", err)
	}
	log.Println("✓ Chrome image ready")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	hub := broadcast.NewHub(cfg.Hub, m)
	eng := engine.New(cfg.Engine, browser.NewDockerLauncher(pool, pw, nil), hub, m)
	log.Printf("✓ Engine initialized (max %d sessions)", cfg.Engine.MaxSessions)

	proxyServer := proxy.NewServer(eng, hub)
	log.Println("✓ WebSocket proxy initialized")

	rateLimiter := ratelimit.NewLimiter(cfg.ControlRatePerMin, cfg.ControlBurst)
	log.Printf("✓ Rate limiter initialized (%d control req/min per session)", cfg.ControlRatePerMin)

	handler := api.NewHandler(eng)
	router := handler.SetupRoutes(proxyServer, rateLimiter, cfg.ControlRatePerMin, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Println("✓ HTTP routes configured")

	// WriteTimeout stays zero: execute blocks for up to TASK_TIMEOUT and the
	// observer channel is long-lived
	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Server starting on %s", cfg.Addr)
		log.Println("📍 API endpoints available at /v1")
		log.Println("👀 Observers: /v1/ws?session=<id>&global=1")
		log.Println("🙋 Human control: /v1/sessions/{id}/control/*")
		log.Println("📈 Metrics: /metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("\n⏳ Shutting down server gracefully...")

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("⚠️ Server forced to shutdown: %v", err)
	}
	eng.Shutdown(ctx)

	log.Println("✅ Server stopped cleanly")
}
