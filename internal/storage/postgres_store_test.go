package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/example/carpool/internal/models"
)

var rideCols = []string{
	"id", "ride_number", "driver_id", "origin_address", "origin_lat", "origin_lon",
	"dest_address", "dest_lat", "dest_lon", "ride_datetime", "departure_at", "status", "seats_total",
	"available_seats", "is_recurring", "ride_days", "no_smoking", "no_music", "no_children",
	"required_gender", "price_per_seat", "estimated_duration_s", "created_at", "updated_at",
}

func newMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func rideRow(id string, seats int, status models.RideStatus) *sqlmock.Rows {
	ts := time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(rideCols).AddRow(
		id, int64(4), "driver-1", "Rua A", 38.7, -9.1,
		"Rua B", 38.8, -9.2, "10/06/2026 09:00", ts, string(status), 3,
		seats, true, "{Monday,Friday}", true, false, false,
		"either", int64(500), 900.0, ts, ts,
	)
}

func TestPostgresCreateRideRetriesOnNumberCollision(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("INSERT INTO rides").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "rides_ride_number_key"})
	mock.ExpectQuery("INSERT INTO rides").
		WillReturnRows(sqlmock.NewRows([]string{"ride_number"}).AddRow(int64(7)))

	r := newRide("r1", 3)
	if err := s.CreateRide(context.Background(), r); err != nil {
		t.Fatalf("CreateRide: %v", err)
	}
	if r.RideNumber != 7 {
		t.Fatalf("ride number %d, want 7", r.RideNumber)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresCreateRideDuplicateID(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("INSERT INTO rides").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "rides_pkey"})
	if err := s.CreateRide(context.Background(), newRide("r1", 3)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestPostgresGetRideScansSnapshot(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM rides WHERE id = $1")).
		WithArgs("r1").
		WillReturnRows(rideRow("r1", 2, models.RideAvailable))

	r, err := s.GetRide(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.RideAvailable || r.AvailableSeats != 2 || len(r.RideDays) != 2 || r.RideDays[1] != "Friday" {
		t.Fatalf("unexpected ride %+v", r)
	}
	if !r.Preferences.NoSmoking || r.Preferences.RequiredGender != models.Either {
		t.Fatalf("unexpected preferences %+v", r.Preferences)
	}
}

func TestPostgresGetRideNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM rides WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(rideCols))
	if _, err := s.GetRide(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresReserveSeat(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("available_seats = available_seats - 1")).
		WithArgs("r1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rideRow("r1", 0, models.RideFull))

	r, err := s.ReserveSeat(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.AvailableSeats != 0 || r.Status != models.RideFull {
		t.Fatalf("unexpected ride %+v", r)
	}
}

func TestPostgresReserveSeatNoSeats(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("available_seats = available_seats - 1")).
		WillReturnRows(sqlmock.NewRows(rideCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM rides WHERE id = $1")).
		WithArgs("r1").
		WillReturnRows(rideRow("r1", 0, models.RideFull))

	if _, err := s.ReserveSeat(context.Background(), "r1"); !errors.Is(err, ErrNoSeats) {
		t.Fatalf("expected ErrNoSeats, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresReserveSeatCancelledRide(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("AND status = ANY($3)")).
		WithArgs("r1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(rideCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM rides WHERE id = $1")).
		WillReturnRows(rideRow("r1", 2, models.RideCancelled))

	if _, err := s.ReserveSeat(context.Background(), "r1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPostgresReserveSeatMissingRide(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("available_seats = available_seats - 1")).
		WillReturnRows(sqlmock.NewRows(rideCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM rides WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(rideCols))

	if _, err := s.ReserveSeat(context.Background(), "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresReleaseSeatEndedRide(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("available_seats = available_seats + 1")).
		WillReturnRows(sqlmock.NewRows(rideCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM rides WHERE id = $1")).
		WillReturnRows(rideRow("r1", 0, models.RideCompleted))

	if _, err := s.ReleaseSeat(context.Background(), "r1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPostgresReleaseSeatAtCapacity(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("available_seats = available_seats + 1")).
		WillReturnRows(sqlmock.NewRows(rideCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM rides WHERE id = $1")).
		WillReturnRows(rideRow("r1", 3, models.RideAvailable))

	r, err := s.ReleaseSeat(context.Background(), "r1")
	if err != nil || r.AvailableSeats != 3 {
		t.Fatalf("expected unchanged snapshot, got %+v %v", r, err)
	}
}

func TestPostgresTransitionRequestConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE ride_requests SET status = $2")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM ride_requests WHERE id = $1)")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := s.TransitionRequest(context.Background(), "q1",
		[]models.RequestStatus{models.RequestWaiting}, models.RequestAccepted)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPostgresCreateRequestDuplicate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("INSERT INTO ride_requests").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "ride_requests_active_uniq"})
	err := s.CreateRequest(context.Background(), &models.RideRequest{ID: "q1", RideID: "r1", UserID: "p1", Status: models.RequestWaiting})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestPostgresSetRequestRefsMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("UPDATE ride_requests SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	pid := "pi_123"
	if err := s.SetRequestRefs(context.Background(), "q1", models.RequestRefs{PaymentID: &pid}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresGetUserWithTokens(t *testing.T) {
	s, mock := newMock(t)
	ts := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM users u LEFT JOIN device_tokens").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "gender", "image_url", "updated_at", "tokens"}).
			AddRow("u1", "Ana", "female", "", ts, "{t1,t2}"))

	u, err := s.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if u.Name != "Ana" || len(u.DeviceTokens) != 2 || u.DeviceTokens[0] != "t1" {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestPostgresMarkNotificationsRead(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("UPDATE notifications SET read = TRUE").
		WithArgs("u1", "r1", "ride_request").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.MarkNotificationsRead(context.Background(), "u1", "r1", models.NotifyRideRequest)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("marked %d, want 2", n)
	}
}

func TestPostgresListRidesBuildsFilter(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE driver_id = $1 AND status = ANY($2) AND ride_number > $3 ORDER BY ride_number ASC LIMIT $4")).
		WillReturnRows(rideRow("r1", 2, models.RideAvailable))

	rides, err := s.ListRides(context.Background(), RideFilter{
		DriverID:    "driver-1",
		Statuses:    []models.RideStatus{models.RideAvailable, models.RideFull},
		AfterNumber: 3,
		Limit:       10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rides) != 1 || rides[0].ID != "r1" {
		t.Fatalf("rides=%v", rides)
	}
}
