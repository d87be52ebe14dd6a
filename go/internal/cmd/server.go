package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/lastclick/go/internal/config"
	"github.com/mcdev12/lastclick/go/internal/gateway"
	"github.com/mcdev12/lastclick/go/internal/widget"
)

func setupServer(cfg *config.Config, services *Services) *http.Server {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins:   []string{"*"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})

	// JSON API and health
	widget.NewHandler(services.App, widget.HandlerConfig{
		CookieName:   cfg.Identity.CookieName,
		SecureCookie: cfg.Identity.SecureOnly,
		AdminSecret:  cfg.AdminSecret,
	}, services.Limiter, services.Broadcaster).RegisterRoutes(mux)

	// Connect RPC
	widget.NewService(services.App, cfg.AdminSecret).RegisterRoutes(mux)

	// Push transports
	gateway.NewWebSocketHandler(services.Broadcaster, gateway.DefaultConnectionConfig()).RegisterRoutes(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	// Wrap with CORS
	handler := c.Handler(mux)

	// Setup HTTP/2 server
	return &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
