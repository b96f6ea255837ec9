package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/carpool/internal/cache"
	"github.com/example/carpool/internal/media"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
)

// syncProfile copies token claims into the stored profile so gender
// preferences are checked against what the identity provider asserts.
func (s *Server) syncProfile(r *http.Request) {
	id, _ := identityFromContext(r.Context())
	if id.Name == "" && id.Gender == "" {
		return
	}
	u := &models.User{ID: id.UserID, Name: id.Name, Gender: id.Gender, UpdatedAt: time.Now().UTC()}
	if err := s.users.UpsertUser(r.Context(), u); err != nil {
		s.logger.Warn("profile sync failed", "user_id", id.UserID, "err", err)
	}
}

func (s *Server) handleUpsertMe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   string `json:"name"`
		Gender string `json:"gender"`
	}
	if !decode(w, r, &body) {
		return
	}
	id, _ := identityFromContext(r.Context())
	u := &models.User{ID: id.UserID, Name: id.Name, Gender: id.Gender, UpdatedAt: time.Now().UTC()}
	if u.Name == "" {
		u.Name = strings.TrimSpace(body.Name)
	}
	if u.Gender == "" {
		u.Gender = strings.ToLower(strings.TrimSpace(body.Gender))
	}
	if u.Gender != "" && u.Gender != "male" && u.Gender != "female" && u.Gender != "other" {
		badRequest(w, "gender must be male, female or other")
		return
	}
	if err := s.users.UpsertUser(r.Context(), u); err != nil {
		s.writeUserError(w, r, err)
		return
	}
	stored, err := s.users.GetUser(r.Context(), id.UserID)
	if err != nil {
		s.writeUserError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleAvatar(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "uploads are not configured", Code: "Unavailable"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, media.MaxImageBytes+64<<10)
	file, _, err := r.FormFile("image")
	if err != nil {
		badRequest(w, "multipart field image is required")
		return
	}
	defer file.Close()
	body, ct, err := media.ReadImage(file)
	switch {
	case errors.Is(err, media.ErrTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, apiError{Error: err.Error(), Code: "TooLarge"})
		return
	case err != nil:
		badRequest(w, err.Error())
		return
	}
	userID := caller(r)
	url, err := s.media.Put(r.Context(), "users/"+userID, ct, body)
	if err != nil {
		s.logger.Error("avatar upload failed", "user_id", userID, "err", err)
		writeJSON(w, http.StatusBadGateway, apiError{Error: "upload failed", Code: "NetworkFailure"})
		return
	}
	if err := s.users.UpsertUser(r.Context(), &models.User{ID: userID, ImageURL: url, UpdatedAt: time.Now().UTC()}); err != nil {
		s.writeUserError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"image_url": url})
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Token) == "" {
		badRequest(w, "token is required")
		return
	}
	if err := s.users.AddDeviceToken(r.Context(), caller(r), strings.TrimSpace(body.Token)); err != nil {
		s.writeUserError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var c models.Coord
	if !decode(w, r, &c) {
		return
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		badRequest(w, "coordinates out of range")
		return
	}
	if err := s.cache.Set(r.Context(), cache.UserLocationKey(caller(r)), c, s.locationTTL); err != nil {
		s.writeUserError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.notifications == nil {
		writeJSON(w, http.StatusOK, []models.Notification{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			badRequest(w, "limit must be between 1 and 200")
			return
		}
		limit = n
	}
	out, err := s.notifications.List(r.Context(), caller(r), limit)
	if err != nil {
		s.writeUserError(w, r, err)
		return
	}
	if out == nil {
		out = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeUserError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, apiError{Error: "user not found", Code: "NotFound"})
		return
	}
	s.logger.Error("profile request failed", "route", routeTemplate(r), "err", err)
	writeJSON(w, http.StatusBadGateway, apiError{Error: "storage unavailable", Code: "NetworkFailure"})
}
