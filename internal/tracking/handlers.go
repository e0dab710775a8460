package tracking

import (
	"errors"
	"time"

	"backend-homeservice/internal/booking"
	"backend-homeservice/internal/position"

	"github.com/gofiber/fiber/v2"
)

type pingRequest struct {
	Lat        *float64  `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng        *float64  `json:"lng" validate:"required,gte=-180,lte=180"`
	CapturedAt time.Time `json:"captured_at"`
	AccuracyM  float64   `json:"accuracy_m" validate:"gte=0"`
}

type errorRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// RegisterRoutes mounts the tracking API. operatorOnly guards the override
// and audit routes.
func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware, operatorOnly fiber.Handler) {
	r.Post("/appointments/:id/start", authMiddleware, func(c *fiber.Ctx) error {
		status, err := svc.Start(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusAccepted).JSON(status)
	})

	r.Post("/appointments/:id/pings", authMiddleware, func(c *fiber.Ctx) error {
		var req pingRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if req.CapturedAt.IsZero() {
			return fiber.NewError(fiber.StatusBadRequest, "captured_at required")
		}
		reading := position.Reading{Lat: *req.Lat, Lng: *req.Lng, CapturedAt: req.CapturedAt, AccuracyM: req.AccuracyM}
		if err := svc.Ingest(c.Context(), c.Params("id"), reading); err != nil {
			return httpError(err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	r.Post("/appointments/:id/errors", authMiddleware, func(c *fiber.Ctx) error {
		var req errorRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := svc.ReportError(c.Context(), c.Params("id"), req.Reason); err != nil {
			return httpError(err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	r.Post("/appointments/:id/complete", authMiddleware, func(c *fiber.Ctx) error {
		session, err := svc.Complete(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(session)
	})

	r.Delete("/appointments/:id", authMiddleware, func(c *fiber.Ctx) error {
		if err := svc.Stop(c.Context(), c.Params("id")); err != nil {
			return httpError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	r.Get("/appointments/:id/status", authMiddleware, func(c *fiber.Ctx) error {
		return c.JSON(svc.Status(c.Params("id")))
	})

	r.Get("/appointments/:id", authMiddleware, operatorOnly, func(c *fiber.Ctx) error {
		audit, err := svc.Audit(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(audit)
	})

	r.Post("/sessions/:id/checkout", authMiddleware, operatorOnly, func(c *fiber.Ctx) error {
		session, err := svc.RequestManualCheckout(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(session)
	})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, booking.ErrAppointmentNotFound), errors.Is(err, ErrSessionNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, ErrAppointmentInactive):
		return fiber.NewError(fiber.StatusPreconditionFailed, err.Error())
	case errors.Is(err, ErrConfiguration):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrPositionUnavailable):
		return fiber.NewError(fiber.StatusGatewayTimeout, err.Error())
	case errors.Is(err, ErrInvalidSessionState), errors.Is(err, ErrTrackingActive), errors.Is(err, ErrNotTracking):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
