package domain

import "time"

// VehiclePosition is a live vehicle reported by the backend for a route
type VehiclePosition struct {
	VehicleID string    `json:"vehicle_id"`
	RouteID   string    `json:"route_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	UpdatedAt time.Time `json:"-"`
}

// Key identifies a vehicle within a route. Positions without a vehicle id
// fall back to their coordinates.
func (v *VehiclePosition) Key() string {
	if v.VehicleID != "" {
		return v.VehicleID
	}
	return formatCoord(v.Latitude) + "," + formatCoord(v.Longitude)
}

// DeltaType indicates whether a vehicle was updated or removed
type DeltaType string

const (
	DeltaUpdate DeltaType = "update"
	DeltaRemove DeltaType = "remove"
)

// VehicleDelta represents a change in a tracked route's vehicles
type VehicleDelta struct {
	Type    DeltaType        `json:"type"`
	RouteID string           `json:"routeId"`
	Vehicle *VehiclePosition `json:"vehicle,omitempty"`
	Key     string           `json:"key,omitempty"`
}
