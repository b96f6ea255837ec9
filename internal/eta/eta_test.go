package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/carpool/internal/models"
)

type stubRouting struct {
	v     float64
	err   error
	calls int
}

func (s *stubRouting) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	s.calls++
	return s.v, s.err
}

func TestEstimatorCachesRoutingResult(t *testing.T) {
	r := &stubRouting{v: 1200}
	e := &Estimator{Routing: r, Cache: NewCache(time.Minute)}
	a, b := models.Coord{Lat: 38.7, Lon: -9.1}, models.Coord{Lat: 41.1, Lon: -8.6}
	for i := 0; i < 3; i++ {
		if got := e.TripSeconds(context.Background(), a, b); got != 1200 {
			t.Fatalf("got %f", got)
		}
	}
	if r.calls != 1 {
		t.Fatalf("routing calls=%d, want 1", r.calls)
	}
}

func TestEstimatorFallsBackToStraightLine(t *testing.T) {
	e := &Estimator{Routing: &stubRouting{err: errors.New("down")}, SpeedMps: 10}
	got := e.TripSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1})
	if got < 11000 || got > 11200 {
		t.Fatalf("expected ~11120s, got %f", got)
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1, Lon: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got != 321.5 {
		t.Fatalf("got %f", got)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{}); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}
