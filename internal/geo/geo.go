package geo

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/westphae/geomag/pkg/egm96"
	"github.com/westphae/geomag/pkg/wmm"
)

// Constants
const (
	EarthRadiusNM = 3440.065 // 6371 km / 1.852 km/nm
	FeetToMeters  = 0.3048
	MetersPerNM   = 1852.0
	degToRad      = math.Pi / 180
	radToDeg      = 180 / math.Pi
)

// ErrInvalidCoordinate is returned for NaN, infinite or out-of-range inputs
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Fix is a timestamped position
type Fix struct {
	Lat  float64
	Lon  float64
	Time time.Time
}

func validate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidCoordinate, lat, lon)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: lat=%v lon=%v out of range", ErrInvalidCoordinate, lat, lon)
	}
	return nil
}

// DistanceNM returns the great-circle distance between two points in nautical miles
func DistanceNM(lat1, lon1, lat2, lon2 float64) (float64, error) {
	if err := validate(lat1, lon1); err != nil {
		return 0, err
	}
	if err := validate(lat2, lon2); err != nil {
		return 0, err
	}
	return haversineNM(lat1, lon1, lat2, lon2), nil
}

func haversineNM(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lon2 - lon1) * degToRad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// Rounding can push a a hair above 1 for antipodal points
	if a > 1 {
		a = 1
	}
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusNM * c
}

// Bearing returns the initial true bearing from point 1 to point 2 in degrees [0,360)
func Bearing(lat1, lon1, lat2, lon2 float64) (float64, error) {
	if err := validate(lat1, lon1); err != nil {
		return 0, err
	}
	if err := validate(lat2, lon2); err != nil {
		return 0, err
	}

	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dLambda := (lon2 - lon1) * degToRad

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	return normalize(math.Atan2(y, x) * radToDeg), nil
}

// MagneticBearing returns the bearing from point 1 to point 2 corrected for magnetic
// declination at point 1
func MagneticBearing(lat1, lon1, lat2, lon2, altFt float64, when time.Time) (float64, error) {
	trueBearing, err := Bearing(lat1, lon1, lat2, lon2)
	if err != nil {
		return 0, err
	}
	return normalize(trueBearing - MagneticVariation(lat1, lon1, altFt, when)), nil
}

// MagneticVariation calculates the magnetic declination for a given position and time.
// Returns declination in degrees (+East, -West), or 0 when the model cannot be evaluated.
func MagneticVariation(lat, lon, altFt float64, when time.Time) float64 {
	loc := egm96.NewLocationGeodetic(lat, lon, altFt*FeetToMeters)

	mag, err := wmm.CalculateWMMMagneticField(loc, when)
	if err != nil {
		return 0.0
	}
	return mag.D()
}

// ClosureRate returns the rate at which the range between aircraft A and B is shrinking,
// in knots. Positive means closing, negative means opening. a0/b0 are the earlier fixes.
func ClosureRate(a0, a1, b0, b1 Fix) (float64, error) {
	before, err := DistanceNM(a0.Lat, a0.Lon, b0.Lat, b0.Lon)
	if err != nil {
		return 0, err
	}
	after, err := DistanceNM(a1.Lat, a1.Lon, b1.Lat, b1.Lon)
	if err != nil {
		return 0, err
	}

	start := latest(a0.Time, b0.Time)
	end := latest(a1.Time, b1.Time)
	elapsed := end.Sub(start)
	if a1.Time.Before(a0.Time) || b1.Time.Before(b0.Time) || elapsed <= 0 {
		return 0, fmt.Errorf("closure rate needs increasing fix times (elapsed %s)", elapsed)
	}

	return (before - after) / elapsed.Hours(), nil
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func normalize(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
