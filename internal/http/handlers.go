package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/carpool/internal/booking"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

func caller(r *http.Request) string {
	id, _ := identityFromContext(r.Context())
	return id.UserID
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in booking.RideInput
	if !decode(w, r, &in) {
		return
	}
	ride, err := s.booking.CreateRide(r.Context(), caller(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

// handleListRides serves ?status=a,b&driver_id=&limit=&after=.
func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.RideFilter{DriverID: q.Get("driver_id"), Limit: 50}
	for _, v := range q["status"] {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.Statuses = append(f.Statuses, models.RideStatus(st))
			}
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			badRequest(w, "limit must be between 1 and 200")
			return
		}
		f.Limit = n
	}
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			badRequest(w, "after must be a ride number")
			return
		}
		f.AfterNumber = n
	}
	rides, err := s.booking.ListRides(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rides == nil {
		rides = []models.Ride{}
	}
	writeJSON(w, http.StatusOK, rides)
}

func (s *Server) handleSearchRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		badRequest(w, "lat and lon are required")
		return
	}
	sq := booking.SearchQuery{
		At:         models.Coord{Lat: lat, Lon: lon},
		NoSmoking:  q.Get("no_smoking") == "true",
		NoMusic:    q.Get("no_music") == "true",
		NoChildren: q.Get("no_children") == "true",
	}
	if v := q.Get("radius_m"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			badRequest(w, "radius_m must be positive")
			return
		}
		sq.RadiusM = f
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be positive")
			return
		}
		sq.Limit = n
	}
	res, err := s.booking.SearchRides(r.Context(), caller(r), sq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.booking.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.booking.StartRide(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleFinishRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Repeat bool `json:"repeat"`
	}
	if !decode(w, r, &body) {
		return
	}
	ride, next, err := s.booking.FinishRide(r.Context(), caller(r), mux.Vars(r)["id"], body.Repeat)
	if err != nil && ride == nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"ride": ride}
	if next != nil {
		resp["next_ride"] = next
	}
	if err != nil {
		// the ride is finished; only the repeat failed
		resp["repeat_error"] = apiError{Error: err.Error(), Code: booking.Code(err)}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.booking.CancelRide(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// handleRequestBooking books a seat. On a full ride a 409
// WaitlistConfirmationRequired is the confirmation prompt, not a refusal:
// the client repeats the call with confirm_waitlist=true to join the
// waitlist.
func (s *Server) handleRequestBooking(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConfirmWaitlist bool `json:"confirm_waitlist"`
	}
	if !decode(w, r, &body) {
		return
	}
	s.syncProfile(r)
	rr, err := s.booking.RequestBooking(r.Context(), caller(r), mux.Vars(r)["id"], body.ConfirmWaitlist)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rr)
}

func (s *Server) handleListRideRequests(w http.ResponseWriter, r *http.Request) {
	out, err := s.booking.ListRideRequests(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []models.RideRequest{}
	}
	writeJSON(w, http.StatusOK, out)
}

type requestOp func(ctx context.Context, userID, requestID string) (*models.RideRequest, error)

// requestAction adapts the request transitions that take no body.
func (s *Server) requestAction(op requestOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rr, err := op(r.Context(), caller(r), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rr)
	}
}

func (s *Server) handleRateRequest(w http.ResponseWriter, r *http.Request) {
	var in booking.RatingInput
	if !decode(w, r, &in) {
		return
	}
	rating, err := s.booking.RateRequest(r.Context(), caller(r), mux.Vars(r)["id"], in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

func (s *Server) handleUserRatings(w http.ResponseWriter, r *http.Request) {
	agg, err := s.booking.DriverRatings(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if agg.Ratings == nil {
		agg.Ratings = []models.Rating{}
	}
	writeJSON(w, http.StatusOK, agg)
}
