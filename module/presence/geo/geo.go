// Package geo provides great-circle distance and geohash cell coverage used to
// shard the presence registry.
package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"
)

// EarthRadiusMeters is the IUGG mean earth radius.
const EarthRadiusMeters = 6371008.8

func rad(d float64) float64 { return d * math.Pi / 180 }

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	if a > 1 {
		a = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(a))
}

// Within reports whether (lat2,lng2) lies inside the circle of radius meters around (lat1,lng1).
func Within(lat1, lng1, lat2, lng2, radius float64) bool {
	return Haversine(lat1, lng1, lat2, lng2) <= radius
}

func Cell(lat, lng float64, precision uint) string {
	return geohash.EncodeWithPrecision(lat, lng, precision)
}

// Box is a lat/lng rectangle with MinLng <= MaxLng.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoundingBoxes returns the boxes that together contain the circle. A circle
// crossing the antimeridian yields two boxes, one on each side.
func BoundingBoxes(lat, lng, radius float64) []Box {
	dLat := radius / EarthRadiusMeters * 180 / math.Pi
	minLat := math.Max(lat-dLat, -90)
	maxLat := math.Min(lat+dLat, 90)

	cos := math.Cos(rad(lat))
	if cos < 1e-6 || maxLat >= 90 || minLat <= -90 {
		return []Box{{minLat, maxLat, -180, 180}}
	}
	dLng := dLat / cos
	if dLng >= 180 {
		return []Box{{minLat, maxLat, -180, 180}}
	}
	lo, hi := lng-dLng, lng+dLng
	switch {
	case lo < -180:
		return []Box{{minLat, maxLat, lo + 360, 180}, {minLat, maxLat, -180, hi}}
	case hi > 180:
		return []Box{{minLat, maxLat, lo, 180}, {minLat, maxLat, -180, hi - 360}}
	}
	return []Box{{minLat, maxLat, lo, hi}}
}

// maxCoverCells bounds CoverCells for huge radii at fine precision.
const maxCoverCells = 4096

// geohash cannot encode the upper edges themselves
var (
	topLat  = math.Nextafter(90, 0)
	eastLng = math.Nextafter(180, 0)
)

// CoverCells lists every geohash cell at precision that intersects the bounding
// boxes of the circle. ok is false when the cover would exceed maxCoverCells and
// the caller should fall back to scanning every shard.
func CoverCells(lat, lng, radius float64, precision uint) (cells []string, ok bool) {
	boxes := BoundingBoxes(lat, lng, radius)

	// cells have the same size in degrees everywhere at one precision
	ref := geohash.BoundingBox(geohash.EncodeWithPrecision(lat, lng, precision))
	h := ref.MaxLat - ref.MinLat
	w := ref.MaxLng - ref.MinLng

	total := 0
	for _, b := range boxes {
		rows := int(math.Ceil((b.MaxLat-b.MinLat)/h)) + 1
		cols := int(math.Ceil((b.MaxLng-b.MinLng)/w)) + 1
		total += rows * cols
	}
	if total > maxCoverCells {
		return nil, false
	}

	seen := make(map[string]struct{}, total)
	for _, b := range boxes {
		maxLat := math.Min(b.MaxLat, topLat)
		maxLng := math.Min(b.MaxLng, eastLng)
		rows := int(math.Ceil((maxLat-b.MinLat)/h)) + 1
		cols := int(math.Ceil((maxLng-b.MinLng)/w)) + 1
		for i := 0; i <= rows; i++ {
			y := math.Min(b.MinLat+float64(i)*h, maxLat)
			for j := 0; j <= cols; j++ {
				x := math.Min(b.MinLng+float64(j)*w, maxLng)
				c := geohash.EncodeWithPrecision(y, x, precision)
				if _, dup := seen[c]; dup {
					continue
				}
				seen[c] = struct{}{}
				cells = append(cells, c)
			}
		}
	}
	return cells, true
}

// Offset moves a point north and east by the given meters. Used by the simulated
// provider and tests.
func Offset(lat, lng, north, east float64) (float64, float64) {
	dLat := north / EarthRadiusMeters * 180 / math.Pi
	dLng := east / (EarthRadiusMeters * math.Cos(rad(lat))) * 180 / math.Pi
	return lat + dLat, lng + dLng
}
