package position

import (
	"context"
	"errors"
	"time"

	"backend-homeservice/internal/shared/geo"
)

var (
	ErrUnavailable    = errors.New("position unavailable")
	ErrStopped        = errors.New("position source stopped")
	ErrAlreadyStarted = errors.New("position source already started")
)

// Reading is one timestamped location fix.
type Reading struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	CapturedAt time.Time `json:"captured_at"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
}

func (r Reading) Coordinate() geo.Coordinate {
	return geo.Coordinate{Lat: r.Lat, Lng: r.Lng}
}

// Same reports whether r and o describe the identical fix.
func (r Reading) Same(o Reading) bool {
	return r.CapturedAt.Equal(o.CapturedAt) && r.Lat == o.Lat && r.Lng == o.Lng
}

type Handle interface {
	Stop()
}

// Source emits readings until stopped. A source can be started once.
// Timestamps are expected to be non-decreasing but consumers must not rely on it.
type Source interface {
	Start(onReading func(Reading), onError func(error)) (Handle, error)
}

// Reader takes a single fresh reading.
type Reader interface {
	Read(ctx context.Context) (Reading, error)
}

type ReaderFunc func(ctx context.Context) (Reading, error)

func (f ReaderFunc) Read(ctx context.Context) (Reading, error) {
	return f(ctx)
}

type stopFunc func()

func (f stopFunc) Stop() { f() }
