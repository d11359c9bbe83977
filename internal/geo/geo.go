package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/example/chauffeur/internal/hire/domain"
)

const earthRadiusKM = 6371.0

// DistanceKM returns the great-circle distance between two points.
func DistanceKM(a, b domain.GeoPoint) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	c := 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
	return earthRadiusKM * c
}

// ParseLocation reads the "lat,lng" form stored on actor records.
func ParseLocation(raw string) (domain.GeoPoint, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 2 {
		return domain.GeoPoint{}, domain.Reject(domain.ErrInvalidLocation, "location", fmt.Sprintf("expected \"lat,lng\", got %q", raw))
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || math.IsNaN(lat) || lat < -90 || lat > 90 {
		return domain.GeoPoint{}, domain.Reject(domain.ErrInvalidLocation, "location", "latitude must be a number in [-90, 90]")
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || math.IsNaN(lng) || lng < -180 || lng > 180 {
		return domain.GeoPoint{}, domain.Reject(domain.ErrInvalidLocation, "location", "longitude must be a number in [-180, 180]")
	}
	return domain.GeoPoint{Lat: lat, Lng: lng}, nil
}

// FormatLocation is the inverse of ParseLocation.
func FormatLocation(p domain.GeoPoint) string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(p.Lng, 'f', -1, 64)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
