// Package geofence answers whether a geocoded address lies inside the
// serviceable region, modelled as a multi-polygon with holes.
package geofence

import (
	"encoding/json"
	"fmt"
	"os"
)

type Point struct {
	Lat float64
	Lng float64
}

// Ring is a closed polygon boundary; the closing edge from the last vertex
// back to the first is implicit.
type Ring []Point

type Polygon struct {
	Outer Ring
	Holes []Ring
}

type Area struct {
	Polygons []Polygon
}

// Contains reports whether the point lies inside the service area, using
// ray casting. Points exactly on any boundary segment (outer or hole)
// count as inside, which keeps the test deterministic for addresses
// geocoded onto a border road.
func (a *Area) Contains(lat, lng float64) bool {
	p := Point{Lat: lat, Lng: lng}

	for _, poly := range a.Polygons {
		if onRingEdge(p, poly.Outer) {
			return true
		}
		for _, h := range poly.Holes {
			if onRingEdge(p, h) {
				return true
			}
		}

		if !inRing(p, poly.Outer) {
			continue
		}

		inHole := false
		for _, h := range poly.Holes {
			if inRing(p, h) {
				inHole = true
				break
			}
		}
		if !inHole {
			return true
		}
	}

	return false
}

func inRing(p Point, ring Ring) bool {
	in := false
	j := len(ring) - 1
	for i := 0; i < len(ring); i++ {
		a, b := ring[i], ring[j]
		if (a.Lng > p.Lng) != (b.Lng > p.Lng) &&
			p.Lat < (b.Lat-a.Lat)*(p.Lng-a.Lng)/(b.Lng-a.Lng)+a.Lat {
			in = !in
		}
		j = i
	}
	return in
}

func onRingEdge(p Point, ring Ring) bool {
	j := len(ring) - 1
	for i := 0; i < len(ring); i++ {
		if onSegment(p, ring[i], ring[j]) {
			return true
		}
		j = i
	}
	return false
}

func onSegment(p, a, b Point) bool {
	cross := (b.Lat-a.Lat)*(p.Lng-a.Lng) - (b.Lng-a.Lng)*(p.Lat-a.Lat)
	if cross != 0 {
		return false
	}

	return min(a.Lat, b.Lat) <= p.Lat && p.Lat <= max(a.Lat, b.Lat) &&
		min(a.Lng, b.Lng) <= p.Lng && p.Lng <= max(a.Lng, b.Lng)
}

// Parse reads an area from JSON: an array of polygons, each polygon an
// array of rings, each ring an array of [lat, lng] pairs. The first ring
// is the outer boundary, the rest are holes.
func Parse(data []byte) (*Area, error) {
	var raw [][][][2]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("geofence.Parse: %w", err)
	}

	area := &Area{}
	for pi, rings := range raw {
		if len(rings) == 0 {
			return nil, fmt.Errorf("geofence.Parse: polygon %d has no rings", pi)
		}
		var poly Polygon
		for ri, ring := range rings {
			if len(ring) < 3 {
				return nil, fmt.Errorf("geofence.Parse: polygon %d ring %d has fewer than 3 vertices", pi, ri)
			}
			pts := make(Ring, 0, len(ring))
			for _, pair := range ring {
				pts = append(pts, Point{Lat: pair[0], Lng: pair[1]})
			}
			if ri == 0 {
				poly.Outer = pts
			} else {
				poly.Holes = append(poly.Holes, pts)
			}
		}
		area.Polygons = append(area.Polygons, poly)
	}

	return area, nil
}

// Load reads an area definition from a JSON file.
func Load(path string) (*Area, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("geofence.Load: %w", err)
	}
	return Parse(data)
}
