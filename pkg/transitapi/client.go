package transitapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"transitmap/internal/domain"
)

// ErrEmptyResponse is returned when the backend answers with an empty or
// non-array payload where a list is required.
var ErrEmptyResponse = errors.New("invalid or empty API response")

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status code: %d", e.Method, e.Path, e.Code)
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (c *Client) NearbyStops(ctx context.Context, lat, lon, radius float64) ([]domain.BusStop, error) {
	var stops []domain.BusStop
	if err := c.getJSON(ctx, "/api/bus-stops/", nearbyParams(lat, lon, radius), &stops); err != nil {
		return nil, err
	}
	return stops, nil
}

func (c *Client) NearbyStations(ctx context.Context, lat, lon, radius float64) ([]domain.SubwayStation, error) {
	var stations []domain.SubwayStation
	if err := c.getJSON(ctx, "/api/subway-stations/", nearbyParams(lat, lon, radius), &stations); err != nil {
		return nil, err
	}
	return stations, nil
}

func (c *Client) Agencies(ctx context.Context) ([]domain.Agency, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/api/bus-agencies/", nil, &raw); err != nil {
		return nil, err
	}

	var apiAgencies []apiAgency
	if err := json.Unmarshal(raw, &apiAgencies); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmptyResponse, err)
	}
	if len(apiAgencies) == 0 {
		return nil, ErrEmptyResponse
	}

	result := make([]domain.Agency, 0, len(apiAgencies))
	for _, a := range apiAgencies {
		result = append(result, domain.Agency{
			AgencyID:    a.AgencyID,
			AgencyName:  a.AgencyName,
			AgencyColor: a.AgencyColor,
			AgencyType:  a.AgencyType,
			Lines:       groupRoutesByMainPath(a.Routes),
		})
	}
	return result, nil
}

func (c *Client) RouteShape(ctx context.Context, routeID string) ([]domain.ShapePoint, error) {
	var points []domain.ShapePoint
	if err := c.getJSON(ctx, "/api/bus-route/"+url.PathEscape(routeID)+"/shape", nil, &points); err != nil {
		return nil, err
	}
	return points, nil
}

func (c *Client) RouteStops(ctx context.Context, routeID string) ([]domain.RouteStop, error) {
	var stops []domain.RouteStop
	if err := c.getJSON(ctx, "/api/bus-route/"+url.PathEscape(routeID)+"/stops", nil, &stops); err != nil {
		return nil, err
	}
	return stops, nil
}

func (c *Client) RoutePositions(ctx context.Context, routeID string) ([]domain.VehiclePosition, error) {
	var positions []domain.VehiclePosition
	if err := c.getJSON(ctx, "/api/bus-route/"+url.PathEscape(routeID)+"/position", nil, &positions); err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].RouteID == "" {
			positions[i].RouteID = routeID
		}
	}
	return positions, nil
}

func (c *Client) StopRoutes(ctx context.Context, stopID string) ([]domain.StopRoute, error) {
	var routes []domain.StopRoute
	if err := c.getJSON(ctx, "/api/bus-stops/"+url.PathEscape(stopID)+"/buses", nil, &routes); err != nil {
		return nil, err
	}
	return routes, nil
}

func (c *Client) Station(ctx context.Context, stationID string) (*domain.SubwayStation, error) {
	var station domain.SubwayStation
	if err := c.getJSON(ctx, "/api/subway-stations/"+url.PathEscape(stationID), nil, &station); err != nil {
		return nil, err
	}
	return &station, nil
}

func (c *Client) StationArrivals(ctx context.Context, stationID string) ([]domain.StationArrival, error) {
	var arrivals []domain.StationArrival
	if err := c.getJSON(ctx, "/api/subway-stations/"+url.PathEscape(stationID)+"/arrival", nil, &arrivals); err != nil {
		return nil, err
	}
	return arrivals, nil
}

func (c *Client) SubwayAlerts(ctx context.Context) ([]domain.SubwayAlert, error) {
	var alerts []domain.SubwayAlert
	if err := c.getJSON(ctx, "/api/subway-alerts/", nil, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

func (c *Client) SubwayLineShape(ctx context.Context, shortName string) ([]domain.ShapePoint, error) {
	var points []domain.ShapePoint
	if err := c.getJSON(ctx, "/api/subway-route/"+url.PathEscape(shortName)+"/shape", nil, &points); err != nil {
		return nil, err
	}
	return points, nil
}

func (c *Client) SubwayLineStations(ctx context.Context, shortName string) ([]domain.SubwayStation, error) {
	var stations []domain.SubwayStation
	if err := c.getJSON(ctx, "/api/subway-route/"+url.PathEscape(shortName)+"/stations", nil, &stations); err != nil {
		return nil, err
	}
	return stations, nil
}

type favoritesResponse struct {
	Favorites []string `json:"favorites"`
}

type favoriteRequest struct {
	LineRouteID string `json:"lineRouteId"`
}

func (c *Client) Favorites(ctx context.Context, userID string) ([]string, error) {
	var resp favoritesResponse
	if err := c.getJSON(ctx, "/api/user/"+url.PathEscape(userID)+"/favorites", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Favorites == nil {
		return []string{}, nil
	}
	return resp.Favorites, nil
}

func (c *Client) AddFavorite(ctx context.Context, userID, routeID string) error {
	return c.sendFavorite(ctx, http.MethodPost, userID, routeID)
}

func (c *Client) RemoveFavorite(ctx context.Context, userID, routeID string) error {
	return c.sendFavorite(ctx, http.MethodDelete, userID, routeID)
}

func (c *Client) sendFavorite(ctx context.Context, method, userID, routeID string) error {
	body, err := json.Marshal(favoriteRequest{LineRouteID: routeID})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	path := "/api/user/" + url.PathEscape(userID) + "/favorite"
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, dest any) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL = fmt.Sprintf("%s?%s", reqURL, params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: http.MethodGet, Path: path, Code: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("decoding response: %w", ErrEmptyResponse)
		}
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func nearbyParams(lat, lon, radius float64) url.Values {
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("radius", strconv.FormatFloat(radius, 'f', -1, 64))
	return params
}
