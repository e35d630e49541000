package geocode

// Map zoom levels.
const (
	StreetZoom        = 17
	DetailZoom        = 16
	NeighbourhoodZoom = 15
	LocalityZoom      = 13
	CountyZoom        = 10
)

// ZoomForPlace picks the zoom that frames a place of the given type.
func ZoomForPlace(placeType string) int {
	switch placeType {
	case "street", "road":
		return StreetZoom
	case "suburb", "neighbourhood":
		return NeighbourhoodZoom
	case "city", "town", "village":
		return LocalityZoom
	case "county":
		return CountyZoom
	default:
		return DetailZoom
	}
}
