package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	apiv1 "github.com/ManuelReschke/POSBridge/internal/api/v1"
	"github.com/ManuelReschke/POSBridge/internal/pkg/bootstrap"
	"github.com/ManuelReschke/POSBridge/internal/pkg/env"
	"github.com/ManuelReschke/POSBridge/internal/pkg/middleware"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, err := bootstrap.Setup(ctx)
	if err != nil {
		log.Fatalf("[Main] Startup failed: %v", err)
	}
	defer services.Close()

	if env.GetBool("POS_WORKERS_ENABLED", true) {
		services.Manager.Start()
		defer services.Manager.Stop()
	}

	app := NewApplication(services)

	go func() {
		<-ctx.Done()
		log.Info("[Main] Shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Errorf("[Main] Shutdown: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
	if err := app.Listen(addr); err != nil {
		log.Errorf("[Main] %v", err)
	}
}

func NewApplication(services *bootstrap.Services) *fiber.App {
	app := fiber.New(fiber.Config{
		// webhook and sync bodies are small
		BodyLimit: 4 * 1024 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	server := apiv1.NewAPIServer(services.Registry, services.Orchestrator, services.Queue, services.Repos.Connection)
	apiv1.InstallRouter(app, server, middleware.ParseKeys(env.GetEnv("POS_API_KEYS", "")))

	return app
}
