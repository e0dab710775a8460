package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backend-homeservice/internal/db"

	"github.com/jackc/pgx/v5"
)

// Repository is the Postgres backend for sessions and samples.
type Repository struct {
	db db.Querier
}

func NewRepository(db db.Querier) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, appointment_id, worker_id, target_lat, target_lng, zone_radius_m, state,
	check_in_at, check_out_at, check_in_location, check_out_location,
	total_out_of_zone_s, zone_exit_count, actual_duration_s, auto_checked_in, auto_checked_out,
	out_of_zone_since, last_sample_at, created_at, updated_at`

const sampleColumns = `id, appointment_id, session_id, lat, lng, captured_at, distance_m, in_zone, recorded_at`

func (r *Repository) FindByAppointment(ctx context.Context, appointmentID string) (Session, error) {
	return scanSession(r.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions WHERE appointment_id=$1
	`, appointmentID))
}

func (r *Repository) GetSession(ctx context.Context, id string) (Session, error) {
	return scanSession(r.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions WHERE id=$1
	`, id))
}

// CreateSession inserts s unless the appointment already has a session, in
// which case the stored one is returned.
func (r *Repository) CreateSession(ctx context.Context, s Session) (Session, error) {
	checkIn, err := marshalLocation(s.CheckInLocation)
	if err != nil {
		return Session{}, err
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO attendance_sessions (id, appointment_id, worker_id, target_lat, target_lng, zone_radius_m, state, check_in_at, check_in_location, auto_checked_in, last_sample_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (appointment_id) DO NOTHING
		RETURNING created_at, updated_at
	`, s.ID, s.AppointmentID, s.WorkerID, s.TargetLat, s.TargetLng, s.ZoneRadiusMeters, string(s.State), s.CheckInAt, checkIn, s.AutoCheckedIn, s.LastSampleAt)
	if err := row.Scan(&s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.FindByAppointment(ctx, s.AppointmentID)
		}
		return Session{}, err
	}
	return s, nil
}

// UpdateSession writes the mutable fields of s. Counters never go backwards
// and a checked-out session is never rewritten; repeating the exact same
// checkout succeeds so the write can be retried.
func (r *Repository) UpdateSession(ctx context.Context, s Session) error {
	checkOut, err := marshalLocation(s.CheckOutLocation)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE attendance_sessions SET
			state=$2,
			check_out_at=$3,
			check_out_location=$4,
			total_out_of_zone_s=GREATEST(total_out_of_zone_s, $5),
			zone_exit_count=GREATEST(zone_exit_count, $6),
			actual_duration_s=$7,
			auto_checked_out=$8,
			out_of_zone_since=$9,
			last_sample_at=GREATEST(last_sample_at, $10),
			updated_at=now()
		WHERE id=$1 AND state <> 'checked_out'
	`, s.ID, string(s.State), s.CheckOutAt, checkOut, s.TotalOutOfZoneSeconds, s.ZoneExitCount, s.ActualDurationSeconds, s.AutoCheckedOut, s.OutOfZoneSince, s.LastSampleAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	stored, err := r.GetSession(ctx, s.ID)
	if err != nil {
		return err
	}
	if stored.State == StateCheckedOut && s.State == StateCheckedOut && sameTime(stored.CheckOutAt, s.CheckOutAt) {
		return nil
	}
	return fmt.Errorf("%w: session %s is %s", ErrInvalidSessionState, s.ID, stored.State)
}

// Record appends a sample and, for attributed samples, advances the
// session's last_sample_at in the same statement.
func (r *Repository) Record(ctx context.Context, sample Sample) error {
	_, err := r.db.Exec(ctx, `
		WITH inserted AS (
			INSERT INTO attendance_samples (id, appointment_id, session_id, lat, lng, captured_at, distance_m, in_zone)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (id) DO NOTHING
			RETURNING session_id, captured_at
		)
		UPDATE attendance_sessions s SET
			last_sample_at=GREATEST(s.last_sample_at, inserted.captured_at),
			updated_at=now()
		FROM inserted
		WHERE s.id = inserted.session_id AND s.state <> 'checked_out'
	`, sample.ID, sample.AppointmentID, nullable(sample.SessionID), sample.Lat, sample.Lng, sample.CapturedAt, sample.DistanceMeters, sample.InZone)
	return err
}

func (r *Repository) Samples(ctx context.Context, sessionID string) ([]Sample, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sampleColumns+`
		FROM attendance_samples WHERE session_id=$1
		ORDER BY captured_at, recorded_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []Sample{}
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

func (r *Repository) LatestSample(ctx context.Context, sessionID string) (Sample, error) {
	sample, err := scanSample(r.db.QueryRow(ctx, `
		SELECT `+sampleColumns+`
		FROM attendance_samples WHERE session_id=$1
		ORDER BY captured_at DESC, recorded_at DESC
		LIMIT 1
	`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Sample{}, ErrSampleNotFound
	}
	return sample, err
}

func (r *Repository) CountUnattributed(ctx context.Context, appointmentID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM attendance_samples
		WHERE appointment_id=$1 AND session_id IS NULL
	`, appointmentID).Scan(&n)
	return n, err
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		s                 Session
		state             string
		checkIn, checkOut []byte
	)
	err := row.Scan(
		&s.ID, &s.AppointmentID, &s.WorkerID, &s.TargetLat, &s.TargetLng, &s.ZoneRadiusMeters, &state,
		&s.CheckInAt, &s.CheckOutAt, &checkIn, &checkOut,
		&s.TotalOutOfZoneSeconds, &s.ZoneExitCount, &s.ActualDurationSeconds, &s.AutoCheckedIn, &s.AutoCheckedOut,
		&s.OutOfZoneSince, &s.LastSampleAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	s.State = State(state)
	if s.CheckInLocation, err = unmarshalLocation(checkIn); err != nil {
		return Session{}, err
	}
	if s.CheckOutLocation, err = unmarshalLocation(checkOut); err != nil {
		return Session{}, err
	}
	return s, nil
}

func scanSample(row pgx.Row) (Sample, error) {
	var (
		s         Sample
		sessionID *string
	)
	if err := row.Scan(&s.ID, &s.AppointmentID, &sessionID, &s.Lat, &s.Lng, &s.CapturedAt, &s.DistanceMeters, &s.InZone, &s.RecordedAt); err != nil {
		return Sample{}, err
	}
	if sessionID != nil {
		s.SessionID = *sessionID
	}
	return s, nil
}

func marshalLocation(l *Location) ([]byte, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func unmarshalLocation(raw []byte) (*Location, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var l Location
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("decode location: %w", err)
	}
	return &l, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
