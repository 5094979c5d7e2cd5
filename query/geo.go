package query

import (
	"fmt"
	"math"

	"github.com/breezedb/breeze-go/document"
)

// Geospatial operators. Geometry shape is validated first; malformed
// geometry errors out, while geometry that is well-formed but fails the
// distance/containment computation yields false rather than an error.

const earthRadiusMeters = 6378137.0

type point struct {
	lng, lat float64
}

// matchGeo dispatches $near, $nearSphere, $geoWithin and $geoIntersects.
func matchGeo(op string, fv document.Value, present bool, arg document.Value) (bool, error) {
	switch op {
	case "$near", "$nearSphere":
		center, minD, maxD, err := parseNearArg(op, arg)
		if err != nil {
			return false, err
		}
		if !present {
			return false, nil
		}
		pt, ok := parsePointValue(fv)
		if !ok {
			return false, nil
		}
		d := haversineMeters(center, pt)
		if maxD >= 0 && d > maxD {
			return false, nil
		}
		if minD >= 0 && d < minD {
			return false, nil
		}
		return true, nil

	case "$geoWithin":
		ring, err := parsePolygonArg(op, arg)
		if err != nil {
			return false, err
		}
		if !present {
			return false, nil
		}
		pt, ok := parsePointValue(fv)
		if !ok {
			return false, nil
		}
		return pointInRing(pt, ring), nil

	case "$geoIntersects":
		geomType, pt, ring, err := parseGeometryArg(op, arg)
		if err != nil {
			return false, err
		}
		if !present {
			return false, nil
		}
		target, ok := parsePointValue(fv)
		if !ok {
			return false, nil
		}
		switch geomType {
		case "Point":
			return pt == target, nil
		default: // Polygon
			return pointInRing(target, ring), nil
		}

	default:
		return false, fmt.Errorf("%q operation is currently not supported", op)
	}
}

func parseNearArg(op string, arg document.Value) (center point, minD, maxD float64, err error) {
	minD, maxD = -1, -1
	if arg.Kind != document.KindDoc {
		return point{}, 0, 0, fmt.Errorf("%s requires an object with $geometry", op)
	}
	geom, ok := arg.Doc.Get("$geometry")
	if !ok {
		return point{}, 0, 0, fmt.Errorf("%s requires a $geometry sub-key", op)
	}
	gt, pt, _, err := parseGeometry(geom)
	if err != nil {
		return point{}, 0, 0, err
	}
	if gt != "Point" {
		return point{}, 0, 0, fmt.Errorf("%s $geometry must be a Point", op)
	}
	if v, ok := arg.Doc.Get("$maxDistance"); ok {
		f, fok := v.AsFloat()
		if !fok || f < 0 {
			return point{}, 0, 0, fmt.Errorf("$maxDistance must be a non-negative number")
		}
		maxD = f
	}
	if v, ok := arg.Doc.Get("$minDistance"); ok {
		f, fok := v.AsFloat()
		if !fok || f < 0 {
			return point{}, 0, 0, fmt.Errorf("$minDistance must be a non-negative number")
		}
		minD = f
	}
	return pt, minD, maxD, nil
}

func parsePolygonArg(op string, arg document.Value) ([]point, error) {
	if arg.Kind != document.KindDoc {
		return nil, fmt.Errorf("%s requires an object with $geometry", op)
	}
	geom, ok := arg.Doc.Get("$geometry")
	if !ok {
		return nil, fmt.Errorf("%s requires a $geometry sub-key", op)
	}
	gt, _, ring, err := parseGeometry(geom)
	if err != nil {
		return nil, err
	}
	if gt != "Polygon" {
		return nil, fmt.Errorf("%s $geometry must be a Polygon", op)
	}
	return ring, nil
}

func parseGeometryArg(op string, arg document.Value) (string, point, []point, error) {
	if arg.Kind != document.KindDoc {
		return "", point{}, nil, fmt.Errorf("%s requires an object with $geometry", op)
	}
	geom, ok := arg.Doc.Get("$geometry")
	if !ok {
		return "", point{}, nil, fmt.Errorf("%s requires a $geometry sub-key", op)
	}
	return parseGeometry(geom)
}

// parseGeometry validates a GeoJSON-shaped geometry value.
func parseGeometry(geom document.Value) (geomType string, pt point, ring []point, err error) {
	if geom.Kind != document.KindDoc {
		return "", point{}, nil, fmt.Errorf("$geometry must be an object")
	}
	t, ok := geom.Doc.Get("type")
	if !ok || t.Kind != document.KindString {
		return "", point{}, nil, fmt.Errorf("$geometry requires a string type")
	}
	coords, ok := geom.Doc.Get("coordinates")
	if !ok {
		return "", point{}, nil, fmt.Errorf("$geometry requires coordinates")
	}
	switch t.Str {
	case "Point":
		pt, ok = parseCoordPair(coords)
		if !ok {
			return "", point{}, nil, fmt.Errorf("invalid Point coordinates")
		}
		if err := validateBounds(pt); err != nil {
			return "", point{}, nil, err
		}
		return "Point", pt, nil, nil
	case "Polygon":
		if coords.Kind != document.KindArray || len(coords.Arr) == 0 {
			return "", point{}, nil, fmt.Errorf("invalid Polygon coordinates")
		}
		// Outer ring only; holes are not evaluated.
		outer := coords.Arr[0]
		if outer.Kind != document.KindArray || len(outer.Arr) < 4 {
			return "", point{}, nil, fmt.Errorf("a Polygon ring needs at least 4 positions")
		}
		ring = make([]point, 0, len(outer.Arr))
		for _, c := range outer.Arr {
			p, ok := parseCoordPair(c)
			if !ok {
				return "", point{}, nil, fmt.Errorf("invalid Polygon position")
			}
			if err := validateBounds(p); err != nil {
				return "", point{}, nil, err
			}
			ring = append(ring, p)
		}
		if ring[0] != ring[len(ring)-1] {
			return "", point{}, nil, fmt.Errorf("a Polygon ring must be closed")
		}
		return "Polygon", point{}, ring, nil
	default:
		return "", point{}, nil, fmt.Errorf("unsupported $geometry type %q", t.Str)
	}
}

func parseCoordPair(v document.Value) (point, bool) {
	if v.Kind != document.KindArray || len(v.Arr) != 2 {
		return point{}, false
	}
	lng, ok1 := v.Arr[0].AsFloat()
	lat, ok2 := v.Arr[1].AsFloat()
	if !ok1 || !ok2 {
		return point{}, false
	}
	return point{lng: lng, lat: lat}, true
}

func validateBounds(p point) error {
	if p.lng < -180 || p.lng > 180 {
		return fmt.Errorf("longitude %v out of bounds [-180, 180]", p.lng)
	}
	if p.lat < -90 || p.lat > 90 {
		return fmt.Errorf("latitude %v out of bounds [-90, 90]", p.lat)
	}
	return nil
}

// parsePointValue accepts a stored field value shaped as a GeoJSON point,
// a bare [lng, lat] pair, or a {lng, lat}-keyed document.
func parsePointValue(v document.Value) (point, bool) {
	switch v.Kind {
	case document.KindArray:
		return parseCoordPair(v)
	case document.KindDoc:
		if t, ok := v.Doc.Get("type"); ok && t.Kind == document.KindString && t.Str == "Point" {
			if coords, ok := v.Doc.Get("coordinates"); ok {
				return parseCoordPair(coords)
			}
			return point{}, false
		}
		lngV, ok1 := v.Doc.Get("lng")
		latV, ok2 := v.Doc.Get("lat")
		if ok1 && ok2 {
			lng, fok1 := lngV.AsFloat()
			lat, fok2 := latV.AsFloat()
			if fok1 && fok2 {
				return point{lng: lng, lat: lat}, true
			}
		}
		return point{}, false
	default:
		return point{}, false
	}
}

func haversineMeters(a, b point) float64 {
	lat1 := a.lat * math.Pi / 180
	lat2 := b.lat * math.Pi / 180
	dLat := (b.lat - a.lat) * math.Pi / 180
	dLng := (b.lng - a.lng) * math.Pi / 180

	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
}

// pointInRing is the winding-number point-in-polygon test over the outer
// ring, treating coordinates as planar. Boundary points count as inside.
func pointInRing(p point, ring []point) bool {
	inside := false
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		a, b := ring[i], ring[j]
		if p == a || p == b {
			return true
		}
		if (a.lat > p.lat) != (b.lat > p.lat) {
			x := (b.lng-a.lng)*(p.lat-a.lat)/(b.lat-a.lat) + a.lng
			if p.lng == x {
				return true
			}
			if p.lng < x {
				inside = !inside
			}
		}
	}
	return inside
}
