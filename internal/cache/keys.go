package cache

import "fmt"

const (
	KeyAgencies          = "agencies"
	KeyDeviceFingerprint = "deviceFingerprint"
)

func KeyStopRoutes(stopID string) string {
	return fmt.Sprintf("stop:routes:%s", stopID)
}

func KeyRouteShape(routeID string) string {
	return fmt.Sprintf("route:shape:%s", routeID)
}

func KeyRouteStops(routeID string) string {
	return fmt.Sprintf("route:stops:%s", routeID)
}

func KeyStation(stationID string) string {
	return fmt.Sprintf("station:%s", stationID)
}

func KeySubwayLineShape(shortName string) string {
	return fmt.Sprintf("subway:shape:%s", shortName)
}

func KeySubwayLineStations(shortName string) string {
	return fmt.Sprintf("subway:stations:%s", shortName)
}
