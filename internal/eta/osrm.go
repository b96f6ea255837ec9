package eta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/carpool/internal/models"
)

var ErrNoRoute = errors.New("no route between points")

// OSRMClient asks an OSRM server for the driving time of a ride's route.
type OSRMClient struct {
	Endpoint string
	// Profile defaults to "driving".
	Profile string
	Client  *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  "driving",
		Client:   &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmRoute struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
	} `json:"routes"`
}

func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	profile := o.Profile
	if profile == "" {
		profile = "driving"
	}
	// OSRM takes lon,lat pairs
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.Endpoint, profile, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	defer resp.Body.Close()

	var out osrmRoute
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("osrm status %d: %w", resp.StatusCode, err)
	}
	switch {
	case out.Code == "NoRoute" || (out.Code == "Ok" && len(out.Routes) == 0):
		return 0, ErrNoRoute
	case resp.StatusCode != http.StatusOK || out.Code != "Ok":
		return 0, fmt.Errorf("osrm status %d code %q", resp.StatusCode, out.Code)
	}
	return out.Routes[0].Duration, nil
}
