package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"go.uber.org/zap"
)

type AppConfig struct {
	RequestTimeout time.Duration
}

func NewApp(cfg AppConfig, h *InventoryHandler, logger *zap.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "Rental Inventory Service v1.0",
		ErrorHandler:          errorHandler(logger),
		DisableStartupMessage: true,
		// Values read from the context outlive the request: they become
		// metric labels and stored actor ids.
		Immutable: true,
	})

	app.Use(recover.New())
	app.Use(requestLogger(logger))
	app.Use(metricsMiddleware())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Request-ID,X-Actor-ID",
	}))
	if cfg.RequestTimeout > 0 {
		app.Use(requestTimeout(cfg.RequestTimeout))
	}

	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	RegisterRoutes(app, h)

	app.Use(func(c *fiber.Ctx) error {
		return NotFoundResponse(c, "Route not found")
	})
	return app
}

func RegisterRoutes(app *fiber.App, h *InventoryHandler) {
	api := app.Group("/api/v1")
	api.Get("/health", h.HealthCheck)

	items := api.Group("/items")
	items.Post("/", h.CreateItem)
	items.Get("/:id/availability", h.GetAvailability)
	items.Post("/:id/movements", h.RecordStockMovement)
	items.Get("/:id/movements", h.MovementHistory)

	api.Post("/checkout", h.Checkout)

	reservations := api.Group("/reservations")
	reservations.Post("/", h.CreateReservation)
	reservations.Post("/:id/release", h.ReleaseReservation)
	reservations.Post("/:id/pickup", h.MarkPickedUp)
	reservations.Post("/:id/return", h.MarkReturned)

	api.Post("/orders/:id/cancel", h.CancelOrder)
}

// requestTimeout bounds the context handed to the engine. A transaction
// in flight when it fires rolls back.
func requestTimeout(d time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), d)
		defer cancel()
		c.SetUserContext(ctx)
		return c.Next()
	}
}

func metricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		metrics.RecordHTTPRequest(utils.CopyString(c.Method()), utils.CopyString(c.Route().Path), status, time.Since(start))
		return err
	}
}

func requestLogger(logger *zap.Logger) fiber.Handler {
	logger = logger.Named("http")
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		logger.Debug("request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("latency", time.Since(start)))
		return err
	}
}

func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return errorResponse(c, fe.Code, "HTTP_ERROR", fe.Message, nil)
		}
		logger.Error("unhandled error", zap.String("path", c.Path()), zap.Error(err))
		return InternalServerErrorResponse(c, "internal error")
	}
}
