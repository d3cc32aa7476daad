package hub

import (
	"transitmap/internal/domain"
	"transitmap/internal/favorites"
	"transitmap/internal/feed"
)

// Message types sent to map sessions.
const (
	TypeSnapshot  = "snapshot"
	TypeFavorites = "favorites"
	TypeVehicles  = "vehicles"
	TypePong      = "pong"
	TypeError     = "error"
)

type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type SnapshotPayload struct {
	Stops    []domain.BusStop       `json:"stops"`
	Stations []domain.SubwayStation `json:"stations"`
	State    feed.State             `json:"state"`
}

type VehiclesPayload struct {
	RouteID string                    `json:"routeId"`
	Updates []*domain.VehiclePosition `json:"updates,omitempty"`
	Removes []string                  `json:"removes,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func NewSnapshotMessage(s feed.Snapshot) Message {
	return Message{
		Type: TypeSnapshot,
		Payload: SnapshotPayload{
			Stops:    s.Stops,
			Stations: s.Stations,
			State:    s.State,
		},
	}
}

func NewFavoritesMessage(s favorites.State) Message {
	if s.IDs == nil {
		s.IDs = []string{}
	}
	if s.Pending == nil {
		s.Pending = []string{}
	}
	return Message{Type: TypeFavorites, Payload: s}
}

func NewVehiclesMessage(routeID string, deltas []domain.VehicleDelta) Message {
	var updates []*domain.VehiclePosition
	var removes []string

	for _, d := range deltas {
		switch d.Type {
		case domain.DeltaUpdate:
			updates = append(updates, d.Vehicle)
		case domain.DeltaRemove:
			removes = append(removes, d.Key)
		}
	}

	return Message{
		Type: TypeVehicles,
		Payload: VehiclesPayload{
			RouteID: routeID,
			Updates: updates,
			Removes: removes,
		},
	}
}

// NewVehiclesSnapshotMessage reports every known vehicle of a route as an update.
func NewVehiclesSnapshotMessage(routeID string, vehicles []domain.VehiclePosition) Message {
	updates := make([]*domain.VehiclePosition, len(vehicles))
	for i := range vehicles {
		updates[i] = &vehicles[i]
	}
	return Message{
		Type:    TypeVehicles,
		Payload: VehiclesPayload{RouteID: routeID, Updates: updates},
	}
}

func NewErrorMessage(msg string) Message {
	return Message{Type: TypeError, Payload: ErrorPayload{Message: msg}}
}
