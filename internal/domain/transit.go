package domain

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrInvalidRegion is returned for regions with non-positive or non-finite spans.
var ErrInvalidRegion = errors.New("invalid region")

// Region is the visible map extent: a center point plus angular span in degrees.
type Region struct {
	Latitude       float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude      float64 `json:"longitude" validate:"gte=-180,lte=180"`
	LatitudeDelta  float64 `json:"latitudeDelta" validate:"gt=0"`
	LongitudeDelta float64 `json:"longitudeDelta" validate:"gt=0"`
}

// Validate checks that both deltas are positive and every field is finite.
func (r Region) Validate() error {
	for _, v := range []float64{r.Latitude, r.Longitude, r.LatitudeDelta, r.LongitudeDelta} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidRegion)
		}
	}
	if r.LatitudeDelta <= 0 || r.LongitudeDelta <= 0 {
		return fmt.Errorf("%w: deltas must be positive", ErrInvalidRegion)
	}
	return nil
}

// BusStop is a bus stop returned by the nearby query
type BusStop struct {
	StopID    string  `json:"stop_id"`
	StopName  string  `json:"stop_name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// SubwayStation is a subway station returned by the nearby query
type SubwayStation struct {
	StationID      string  `json:"station_id"`
	StationName    string  `json:"station_name"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	RouteShortName string  `json:"route_short_name"`
	Color          string  `json:"color,omitempty"`
}

// AgencyType distinguishes bus operators from the subway operator
type AgencyType string

const (
	AgencyTypeBus    AgencyType = "bus"
	AgencyTypeSubway AgencyType = "subte"
)

// Line is one branch of a numbered line, identified by its main path
type Line struct {
	LineNumber string `json:"lineNumber"`
	LineName   string `json:"lineName"`
	MainPath   string `json:"mainPath"`
}

// LineGroup holds every branch that shares a line number
type LineGroup struct {
	LineNumber string `json:"lineNumber"`
	Routes     []Line `json:"routes"`
}

// Agency is a transit operator with its lines grouped for display
type Agency struct {
	AgencyID    int         `json:"agency_id"`
	AgencyName  string      `json:"agency_name"`
	AgencyColor string      `json:"agency_color"`
	AgencyType  AgencyType  `json:"agency_type"`
	Lines       []LineGroup `json:"routes"`
}

// ShapePoint is a single vertex of a route's geometry
type ShapePoint struct {
	Latitude  float64 `json:"shape_pt_lat"`
	Longitude float64 `json:"shape_pt_lon"`
	Sequence  int     `json:"shape_pt_sequence,omitempty"`
}

// RouteStop is a stop along a route, in travel order
type RouteStop struct {
	StopID    string  `json:"stop_id"`
	StopName  string  `json:"stop_name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Sequence  int     `json:"stop_sequence,omitempty"`
}

// StopRoute is a route serving a bus stop
type StopRoute struct {
	RouteID        string `json:"route_id"`
	RouteShortName string `json:"route_short_name"`
	AgencyColor    string `json:"agency_color"`
	TripHeadsigns  string `json:"trip_headsigns"`
}

// StopRouteArrivals is a serving route together with its live vehicles
type StopRouteArrivals struct {
	StopRoute
	Positions []VehiclePosition `json:"positions"`
}

// TimeEstimate is a scheduled time with the backend's rendered countdown
type TimeEstimate struct {
	Time          string `json:"time"`
	RemainingTime string `json:"remainingTime"`
}

// StationArrival is an upcoming train at a subway station
type StationArrival struct {
	Destination string       `json:"destination"`
	StationName string       `json:"station_name"`
	Arrival     TimeEstimate `json:"arrival"`
	Departure   TimeEstimate `json:"departure"`
}

// SubwayAlert is a service alert for the subway network
type SubwayAlert struct {
	ID          string `json:"id"`
	RouteID     string `json:"route_id,omitempty"`
	Header      string `json:"header"`
	Description string `json:"description"`
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
