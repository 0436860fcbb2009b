package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/db"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/presence"
	"chat-gateway/internal/repositories"
	"chat-gateway/internal/ws"
)

func main() {
	ctx := context.Background()

	globalRoomID := getEnv("GLOBAL_ROOM_ID", ws.DefaultGlobalRoomID)

	database, err := db.Connect(globalRoomID)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}

	shutdownTracing, err := observability.SetupTracing(ctx, "chat-gateway", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer shutdownTracing(ctx)

	publisher := observability.NewPublisher(os.Getenv("AMQP_URL"), getEnv("AMQP_EXCHANGE", "chat_events"))
	observability.SetPublisher(publisher)
	defer publisher.Close()

	userRepo := repositories.NewUserRepo(database)
	roomRepo := repositories.NewRoomRepo(database)
	messageRepo := repositories.NewMessageRepo(database)

	verifier := auth.NewJWTVerifier(getEnv("JWT_SECRET", "dev-secret"))

	hub := ws.NewHub()
	tracker := presence.NewTracker(graceFromEnv())
	gateway := ws.NewGateway(hub, tracker, verifier, userRepo, roomRepo, messageRepo, globalRoomID)

	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("chat-gateway"))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", gateway.Handle)

	port := getEnv("PORT", "8083")
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func graceFromEnv() time.Duration {
	raw := os.Getenv("DISCONNECT_GRACE_MS")
	if raw == "" {
		return presence.DefaultGracePeriod
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		log.Printf("invalid DISCONNECT_GRACE_MS %q, using default", raw)
		return presence.DefaultGracePeriod
	}
	return time.Duration(ms) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
