package server

import (
	"context"

	"backend-homeservice/internal/auth"
	"backend-homeservice/internal/booking"
	"backend-homeservice/internal/config"
	"backend-homeservice/internal/db"
	"backend-homeservice/internal/notify"
	"backend-homeservice/internal/shared/logger"
	"backend-homeservice/internal/stream"
	"backend-homeservice/internal/tracking"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

const eventQueueSize = 256

type Server struct {
	App      *fiber.App
	Cfg      config.Config
	DB       db.Querier
	Redis    *redis.Client
	Stream   *stream.Hub
	Events   *notify.Dispatcher
	Broker   *notify.Broker
	Tracking *tracking.Service
	Log      *logger.Logger
}

// NewServer wires the attendance engine. A nil mq connection leaves events on
// the WebSocket hub only.
func NewServer(cfg config.Config, pg db.Querier, redisClient *redis.Client, mq *amqp.Connection) *Server {
	log := logger.New("attendance")

	app := fiber.New()
	app.Use(recover.New())
	app.Use(fiberlogger.New())

	s := &Server{
		App:    app,
		Cfg:    cfg,
		DB:     pg,
		Redis:  redisClient,
		Stream: stream.NewHub(redisClient, log),
		Log:    log,
	}

	sinks := []notify.Sink{notify.HubSink{Hub: s.Stream}}
	if mq != nil {
		broker, err := notify.NewBroker(mq, cfg.RabbitMQExchange)
		if err != nil {
			log.Error(context.Background(), "broker_unavailable", "publishing to websocket only", err, nil)
		} else {
			s.Broker = broker
			sinks = append(sinks, broker)
		}
	}
	s.Events = notify.NewDispatcher(eventQueueSize, log, sinks...)

	s.Tracking = tracking.NewService(
		tracking.NewRepository(pg),
		booking.NewService(pg),
		s.Events,
		log,
		cfg.Tracking(),
	)

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)
	operatorOnly := auth.RequireRole(auth.RoleOperator)

	tracking.RegisterRoutes(s.App.Group("/tracking"), s.Tracking, jwtMiddleware, operatorOnly)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream, jwtMiddleware)
}

// Close stops tracking loops first so their final events still reach the sinks.
func (s *Server) Close() {
	s.Tracking.Shutdown()
	s.Events.Close()
	if s.Broker != nil {
		if err := s.Broker.Close(); err != nil {
			s.Log.Error(context.Background(), "broker_close_failed", "could not close broker channel", err, nil)
		}
	}
	s.Stream.Close()
}
