package manager

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// parseGeometry decodes a GeoJSON geometry.
func parseGeometry(data []byte) (orb.Geometry, error) {
	var g, err = geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, err
	}
	return g.Geometry(), nil
}

// geometryContains reports whether the geometry contains the point.
// Geofences are areas: only polygonal geometries can contain anything.
func geometryContains(g orb.Geometry, p orb.Point) bool {
	switch v := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(v, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(v, p)
	default:
		return false
	}
}
