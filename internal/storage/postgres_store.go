package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/carpool/internal/models"
)

const uniqueViolation = "23505"

const rideColumns = `id, ride_number, driver_id, origin_address, origin_lat, origin_lon,
	dest_address, dest_lat, dest_lon, ride_datetime, departure_at, status, seats_total,
	available_seats, is_recurring, ride_days, no_smoking, no_music, no_children,
	required_gender, price_per_seat, estimated_duration_s, created_at, updated_at`

const requestColumns = `id, ride_id, user_id, driver_id, status, is_waitlist,
	notification_id, payment_id, created_at, updated_at`

const ratingColumns = `id, request_id, ride_id, rater_id, ratee_id, overall, punctuality,
	driving, cleanliness, communication, comment, created_at`

// PostgresStore persists the booking data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(50)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(s rowScanner) (*models.Ride, error) {
	var r models.Ride
	err := s.Scan(&r.ID, &r.RideNumber, &r.DriverID,
		&r.Origin.Address, &r.Origin.Lat, &r.Origin.Lon,
		&r.Destination.Address, &r.Destination.Lat, &r.Destination.Lon,
		&r.RideDateTime, &r.DepartureAt, &r.Status, &r.SeatsTotal, &r.AvailableSeats,
		&r.IsRecurring, pq.Array(&r.RideDays),
		&r.Preferences.NoSmoking, &r.Preferences.NoMusic, &r.Preferences.NoChildren,
		&r.Preferences.RequiredGender, &r.PricePerSeat, &r.EstimatedDurationS,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRequest(s rowScanner) (*models.RideRequest, error) {
	var rr models.RideRequest
	err := s.Scan(&rr.ID, &rr.RideID, &rr.UserID, &rr.DriverID, &rr.Status, &rr.IsWaitlist,
		&rr.NotificationID, &rr.PaymentID, &rr.CreatedAt, &rr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rr, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	// ride_number is max+1 computed in the insert itself; the unique
	// constraint turns a concurrent collision into a retry.
	q := `INSERT INTO rides (` + rideColumns + `)
		SELECT $1, COALESCE(MAX(ride_number), 0) + 1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23
		FROM rides
		RETURNING ride_number`
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		err := p.db.QueryRowContext(ctx, q,
			r.ID, r.DriverID, r.Origin.Address, r.Origin.Lat, r.Origin.Lon,
			r.Destination.Address, r.Destination.Lat, r.Destination.Lon,
			r.RideDateTime, r.DepartureAt, string(r.Status), r.SeatsTotal, r.AvailableSeats,
			r.IsRecurring, pq.Array(r.RideDays), r.Preferences.NoSmoking, r.Preferences.NoMusic,
			r.Preferences.NoChildren, string(r.Preferences.RequiredGender), r.PricePerSeat,
			r.EstimatedDurationS, r.CreatedAt, r.UpdatedAt,
		).Scan(&r.RideNumber)
		if err == nil {
			return nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			if strings.Contains(pqErr.Constraint, "ride_number") {
				lastErr = err
				continue
			}
			return ErrDuplicate
		}
		return err
	}
	return fmt.Errorf("allocate ride number: %w", lastErr)
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error) {
	var (
		conds []string
		args  []any
	)
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		conds = append(conds, fmt.Sprintf("driver_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		args = append(args, pq.Array(rideStatusStrings(f.Statuses)))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.AfterNumber > 0 {
		args = append(args, f.AfterNumber)
		conds = append(conds, fmt.Sprintf("ride_number > $%d", len(args)))
	}
	q := `SELECT ` + rideColumns + ` FROM rides`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY ride_number ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return p.queryRides(ctx, q, args...)
}

func (p *PostgresStore) queryRides(ctx context.Context, q string, args ...any) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Ride{}
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return out, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides SET status = $2, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+rideColumns,
		id, string(to), time.Now().UTC(), pq.Array(rideStatusStrings(from)))
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrConflict(ctx, "rides", id, ErrConflict)
	}
	return r, err
}

func (p *PostgresStore) ReserveSeat(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides SET
			available_seats = available_seats - 1,
			status = CASE WHEN available_seats = 1 AND status = 'available' THEN 'full' ELSE status END,
			updated_at = $2
		WHERE id = $1 AND available_seats > 0 AND status = ANY($3)
		RETURNING `+rideColumns,
		id, time.Now().UTC(), pq.Array(rideStatusStrings(ReservableStatuses)))
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := p.seatMiss(ctx, id, ReservableStatuses); err != nil {
			return nil, err
		}
		return nil, ErrNoSeats
	}
	return r, err
}

func (p *PostgresStore) ReleaseSeat(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE rides SET
			available_seats = available_seats + 1,
			status = CASE WHEN status = 'full' THEN 'available' ELSE status END,
			updated_at = $2
		WHERE id = $1 AND available_seats < seats_total AND status = ANY($3)
		RETURNING `+rideColumns,
		id, time.Now().UTC(), pq.Array(rideStatusStrings(ReleasableStatuses)))
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p.seatMiss(ctx, id, ReleasableStatuses)
	}
	return r, err
}

// seatMiss explains an UPDATE that matched no row: the ride is gone, is in
// a status where seats are frozen (ErrConflict), or else is returned as is.
func (p *PostgresStore) seatMiss(ctx context.Context, id string, live []models.RideStatus) (*models.Ride, error) {
	cur, err := p.GetRide(ctx, id)
	if err != nil {
		return nil, err
	}
	if !containsRide(live, cur.Status) {
		return nil, ErrConflict
	}
	return cur, nil
}

func (p *PostgresStore) RidesDueForHold(ctx context.Context, cutoff time.Time) ([]models.Ride, error) {
	return p.queryRides(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status IN ('available', 'full') AND departure_at < $1
		ORDER BY ride_number ASC`, cutoff)
}

func (p *PostgresStore) missOrConflict(ctx context.Context, table, id string, conflict error) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return conflict
}

func (p *PostgresStore) CreateRequest(ctx context.Context, rr *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rr.ID, rr.RideID, rr.UserID, rr.DriverID, string(rr.Status), rr.IsWaitlist,
		rr.NotificationID, rr.PaymentID, rr.CreatedAt, rr.UpdatedAt)
	return mapUnique(err)
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	rr, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rr, err
}

func (p *PostgresStore) ListRequests(ctx context.Context, f RequestFilter) ([]models.RideRequest, error) {
	var (
		conds []string
		args  []any
	)
	if f.RideID != "" {
		args = append(args, f.RideID)
		conds = append(conds, fmt.Sprintf("ride_id = $%d", len(args)))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		args = append(args, pq.Array(requestStatusStrings(f.Statuses)))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	q := `SELECT ` + requestColumns + ` FROM ride_requests`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY created_at ASC`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.RideRequest{}
	for rows.Next() {
		rr, err := scanRequest(rows)
		if err != nil {
			return out, err
		}
		out = append(out, *rr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TransitionRequest(ctx context.Context, id string, from []models.RequestStatus, to models.RequestStatus) (*models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE ride_requests SET status = $2, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+requestColumns,
		id, string(to), time.Now().UTC(), pq.Array(requestStatusStrings(from)))
	rr, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrConflict(ctx, "ride_requests", id, ErrConflict)
	}
	return rr, err
}

func (p *PostgresStore) SetRequestRefs(ctx context.Context, id string, refs models.RequestRefs) error {
	res, err := p.db.ExecContext(ctx, `UPDATE ride_requests SET
			notification_id = COALESCE($2, notification_id),
			payment_id = COALESCE($3, payment_id),
			updated_at = $4
		WHERE id = $1`,
		id, refs.NotificationID, refs.PaymentID, time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CreateRating(ctx context.Context, r *models.Rating) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ratings (`+ratingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.RequestID, r.RideID, r.RaterID, r.RateeID, r.Overall, r.Punctuality,
		r.Driving, r.Cleanliness, r.Communication, r.Comment, r.CreatedAt)
	return mapUnique(err)
}

func (p *PostgresStore) ListRatings(ctx context.Context, rateeID string) ([]models.Rating, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+ratingColumns+` FROM ratings
		WHERE ratee_id = $1 ORDER BY created_at ASC`, rateeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Rating{}
	for rows.Next() {
		var r models.Rating
		if err := rows.Scan(&r.ID, &r.RequestID, &r.RideID, &r.RaterID, &r.RateeID, &r.Overall,
			&r.Punctuality, &r.Driving, &r.Cleanliness, &r.Communication, &r.Comment, &r.CreatedAt); err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertUser(ctx context.Context, u *models.User) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO users (id, name, gender, image_url, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), users.name),
			gender = COALESCE(NULLIF(EXCLUDED.gender, ''), users.gender),
			image_url = COALESCE(NULLIF(EXCLUDED.image_url, ''), users.image_url),
			updated_at = EXCLUDED.updated_at`,
		u.ID, u.Name, u.Gender, u.ImageURL, u.UpdatedAt)
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := p.db.QueryRowContext(ctx, `SELECT u.id, u.name, u.gender, u.image_url, u.updated_at,
			COALESCE(array_agg(t.token) FILTER (WHERE t.token IS NOT NULL), '{}')
		FROM users u LEFT JOIN device_tokens t ON t.user_id = u.id
		WHERE u.id = $1
		GROUP BY u.id`, id).
		Scan(&u.ID, &u.Name, &u.Gender, &u.ImageURL, &u.UpdatedAt, pq.Array(&u.DeviceTokens))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *PostgresStore) AddDeviceToken(ctx context.Context, userID, token string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO device_tokens (user_id, token) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, userID, token)
	return err
}

func (p *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO notifications (id, user_id, ride_id, kind, title, body, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.UserID, n.RideID, string(n.Kind), n.Title, n.Body, n.Read, n.CreatedAt)
	return err
}

func (p *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, user_id, ride_id, kind, title, body, read, created_at
		FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.RideID, &n.Kind, &n.Title, &n.Body, &n.Read, &n.CreatedAt); err != nil {
			return out, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkNotificationsRead(ctx context.Context, userID, rideID string, kind models.NotificationKind) (int64, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE notifications SET read = TRUE
		WHERE user_id = $1 AND ride_id = $2 AND kind = $3 AND NOT read`, userID, rideID, string(kind))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func mapUnique(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

func rideStatusStrings(in []models.RideStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func requestStatusStrings(in []models.RequestStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
