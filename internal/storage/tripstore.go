package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a compare-and-set found the record in another state.
	ErrConflict  = errors.New("state changed concurrently")
	ErrNoSeats   = errors.New("no seats available")
	ErrDuplicate = errors.New("duplicate record")
)

// Seats move only while a ride is live. A started ride can still lose a
// passenger but takes no new ones.
var (
	ReservableStatuses = []models.RideStatus{models.RideAvailable, models.RideFull, models.RideOnHold}
	ReleasableStatuses = []models.RideStatus{models.RideAvailable, models.RideFull, models.RideOnHold, models.RideInProgress}
)

type RideFilter struct {
	DriverID string
	Statuses []models.RideStatus
	// AfterNumber is a pagination cursor: only rides with a greater ride_number.
	AfterNumber int64
	Limit       int
}

type RequestFilter struct {
	RideID   string
	UserID   string
	Statuses []models.RequestStatus
}

// RideStore persists rides. Seat and status mutations are atomic
// conditional updates so concurrent callers cannot overbook a ride.
type RideStore interface {
	// CreateRide assigns the next ride_number and persists r.
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error)
	TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus) (*models.Ride, error)
	// ReserveSeat decrements available_seats when positive and the ride is
	// in ReservableStatuses, flipping available to full at zero. Returns
	// ErrConflict for any other status and ErrNoSeats when none are left.
	ReserveSeat(ctx context.Context, id string) (*models.Ride, error)
	// ReleaseSeat increments available_seats up to seats_total, flipping
	// full back to available. A ride outside ReleasableStatuses is left
	// untouched and ErrConflict returned; a ride already at capacity is
	// returned as is.
	ReleaseSeat(ctx context.Context, id string) (*models.Ride, error)
	// RidesDueForHold lists bookable rides that departed before cutoff.
	RidesDueForHold(ctx context.Context, cutoff time.Time) ([]models.Ride, error)
}

type RequestStore interface {
	// CreateRequest fails with ErrDuplicate when the passenger already has
	// an active request on the ride.
	CreateRequest(ctx context.Context, rr *models.RideRequest) error
	GetRequest(ctx context.Context, id string) (*models.RideRequest, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]models.RideRequest, error)
	TransitionRequest(ctx context.Context, id string, from []models.RequestStatus, to models.RequestStatus) (*models.RideRequest, error)
	SetRequestRefs(ctx context.Context, id string, refs models.RequestRefs) error
}

type RatingStore interface {
	// CreateRating fails with ErrDuplicate when the request was already rated.
	CreateRating(ctx context.Context, r *models.Rating) error
	ListRatings(ctx context.Context, rateeID string) ([]models.Rating, error)
}

type UserStore interface {
	UpsertUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	AddDeviceToken(ctx context.Context, userID, token string) error
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	MarkNotificationsRead(ctx context.Context, userID, rideID string, kind models.NotificationKind) (int64, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	RideStore
	RequestStore
	RatingStore
	UserStore
	NotificationStore
	Close() error
}

// MemoryStore keeps everything in process. It is the fallback when no
// database is configured and the backend used by tests.
type MemoryStore struct {
	mu            sync.RWMutex
	rides         map[string]*models.Ride
	requests      map[string]*models.RideRequest
	ratings       map[string]*models.Rating
	users         map[string]*models.User
	notifications []*models.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		requests: make(map[string]*models.RideRequest),
		ratings:  make(map[string]*models.Rating),
		users:    make(map[string]*models.User),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrDuplicate
	}
	var max int64
	for _, x := range m.rides {
		if x.RideNumber > max {
			max = x.RideNumber
		}
	}
	r.RideNumber = max + 1
	cp := cloneRide(r)
	m.rides[r.ID] = cp
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) ListRides(_ context.Context, f RideFilter) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if f.DriverID != "" && r.DriverID != f.DriverID {
			continue
		}
		if len(f.Statuses) > 0 && !containsRide(f.Statuses, r.Status) {
			continue
		}
		if r.RideNumber <= f.AfterNumber {
			continue
		}
		out = append(out, *cloneRide(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RideNumber < out[j].RideNumber })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) TransitionRide(_ context.Context, id string, from []models.RideStatus, to models.RideStatus) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !containsRide(from, r.Status) {
		return nil, ErrConflict
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	return cloneRide(r), nil
}

func (m *MemoryStore) ReserveSeat(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !containsRide(ReservableStatuses, r.Status) {
		return nil, ErrConflict
	}
	if r.AvailableSeats <= 0 {
		return nil, ErrNoSeats
	}
	r.AvailableSeats--
	if r.AvailableSeats == 0 && r.Status == models.RideAvailable {
		r.Status = models.RideFull
	}
	r.UpdatedAt = time.Now().UTC()
	return cloneRide(r), nil
}

func (m *MemoryStore) ReleaseSeat(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !containsRide(ReleasableStatuses, r.Status) {
		return nil, ErrConflict
	}
	if r.AvailableSeats < r.SeatsTotal {
		r.AvailableSeats++
		if r.Status == models.RideFull {
			r.Status = models.RideAvailable
		}
		r.UpdatedAt = time.Now().UTC()
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) RidesDueForHold(_ context.Context, cutoff time.Time) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Ride
	for _, r := range m.rides {
		if r.Status.Bookable() && r.DepartureAt.Before(cutoff) {
			out = append(out, *cloneRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RideNumber < out[j].RideNumber })
	return out, nil
}

func (m *MemoryStore) CreateRequest(_ context.Context, rr *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.requests {
		if x.RideID == rr.RideID && x.UserID == rr.UserID && x.Status.Active() {
			return ErrDuplicate
		}
	}
	cp := *rr
	m.requests[rr.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rr, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rr
	return &cp, nil
}

func (m *MemoryStore) ListRequests(_ context.Context, f RequestFilter) ([]models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RideRequest, 0)
	for _, rr := range m.requests {
		if f.RideID != "" && rr.RideID != f.RideID {
			continue
		}
		if f.UserID != "" && rr.UserID != f.UserID {
			continue
		}
		if len(f.Statuses) > 0 && !containsRequest(f.Statuses, rr.Status) {
			continue
		}
		out = append(out, *rr)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) TransitionRequest(_ context.Context, id string, from []models.RequestStatus, to models.RequestStatus) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rr, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !containsRequest(from, rr.Status) {
		return nil, ErrConflict
	}
	rr.Status = to
	rr.UpdatedAt = time.Now().UTC()
	cp := *rr
	return &cp, nil
}

func (m *MemoryStore) SetRequestRefs(_ context.Context, id string, refs models.RequestRefs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rr, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if refs.NotificationID != nil {
		rr.NotificationID = *refs.NotificationID
	}
	if refs.PaymentID != nil {
		rr.PaymentID = *refs.PaymentID
	}
	return nil
}

func (m *MemoryStore) CreateRating(_ context.Context, r *models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.ratings {
		if x.RequestID == r.RequestID {
			return ErrDuplicate
		}
	}
	cp := *r
	m.ratings[r.ID] = &cp
	return nil
}

func (m *MemoryStore) ListRatings(_ context.Context, rateeID string) ([]models.Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Rating
	for _, r := range m.ratings {
		if r.RateeID == rateeID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) UpsertUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.users[u.ID]
	if !ok {
		cp := *u
		cp.DeviceTokens = append([]string(nil), u.DeviceTokens...)
		m.users[u.ID] = &cp
		return nil
	}
	mergeUser(cur, u)
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	cp.DeviceTokens = append([]string(nil), u.DeviceTokens...)
	return &cp, nil
}

func (m *MemoryStore) AddDeviceToken(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		u = &models.User{ID: userID}
		m.users[userID] = u
	}
	for _, t := range u.DeviceTokens {
		if t == token {
			return nil
		}
	}
	u.DeviceTokens = append(u.DeviceTokens, token)
	return nil
}

func (m *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.notifications = append(m.notifications, &cp)
	return nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, userID string, limit int) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if n.UserID != userID {
			continue
		}
		out = append(out, *n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkNotificationsRead(_ context.Context, userID, rideID string, kind models.NotificationKind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, x := range m.notifications {
		if x.UserID == userID && x.RideID == rideID && x.Kind == kind && !x.Read {
			x.Read = true
			n++
		}
	}
	return n, nil
}

func cloneRide(r *models.Ride) *models.Ride {
	cp := *r
	cp.RideDays = append([]string(nil), r.RideDays...)
	return &cp
}

func mergeUser(dst, src *models.User) {
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Gender != "" {
		dst.Gender = src.Gender
	}
	if src.ImageURL != "" {
		dst.ImageURL = src.ImageURL
	}
	dst.UpdatedAt = src.UpdatedAt
}

func containsRide(set []models.RideStatus, s models.RideStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func containsRequest(set []models.RequestStatus, s models.RequestStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}
