package geo

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceNM(t *testing.T) {
	t.Run("identical points", func(t *testing.T) {
		d, err := DistanceNM(43.6777, -79.6248, 43.6777, -79.6248)
		require.NoError(t, err)
		assert.Equal(t, 0.0, d)
	})

	t.Run("one degree of latitude", func(t *testing.T) {
		d, err := DistanceNM(0, 0, 1, 0)
		require.NoError(t, err)
		assert.InDelta(t, 60.04, d, 0.01)
	})

	t.Run("symmetric", func(t *testing.T) {
		ab, err := DistanceNM(40.6413, -73.7781, 33.9416, -118.4085)
		require.NoError(t, err)
		ba, err := DistanceNM(33.9416, -118.4085, 40.6413, -73.7781)
		require.NoError(t, err)
		assert.InDelta(t, ab, ba, 1e-9)
		assert.InDelta(t, 2145, ab, 10)
	})

	t.Run("antipodal stays finite", func(t *testing.T) {
		d, err := DistanceNM(0, 0, 0, 180)
		require.NoError(t, err)
		assert.InDelta(t, math.Pi*EarthRadiusNM, d, 0.01)
	})

	t.Run("rejects NaN", func(t *testing.T) {
		_, err := DistanceNM(math.NaN(), 0, 1, 1)
		assert.ErrorIs(t, err, ErrInvalidCoordinate)
	})

	t.Run("rejects out of range", func(t *testing.T) {
		_, err := DistanceNM(0, 0, 91, 0)
		assert.ErrorIs(t, err, ErrInvalidCoordinate)
	})
}

func TestBearing(t *testing.T) {
	cases := []struct {
		name     string
		lat, lon float64
		want     float64
	}{
		{"north", 1, 0, 0},
		{"east", 0, 1, 90},
		{"south", -1, 0, 180},
		{"west", 0, -1, 270},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Bearing(0, 0, tc.lat, tc.lon)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, b, 1e-6)
		})
	}

	_, err := Bearing(0, math.Inf(1), 1, 1)
	assert.ErrorIs(t, err, ErrInvalidCoordinate)
}

func TestMagneticBearing(t *testing.T) {
	when := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	b, err := MagneticBearing(43.6777, -79.6248, 43.8, -79.6248, 3000, when)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, b, 0.0)
	assert.Less(t, b, 360.0)
}

func TestClosureRate(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)

	a0 := Fix{Lat: 0, Lon: 0, Time: t0}
	a1 := Fix{Lat: 0, Lon: 0, Time: t1}
	b0 := Fix{Lat: 0.1, Lon: 0, Time: t0}
	b1 := Fix{Lat: 0.05, Lon: 0, Time: t1}

	rate, err := ClosureRate(a0, a1, b0, b1)
	require.NoError(t, err)
	assert.InDelta(t, 180.1, rate, 0.2)

	opening, err := ClosureRate(a0, a1, b1, Fix{Lat: 0.1, Lon: 0, Time: t1.Add(time.Minute)})
	require.NoError(t, err)
	assert.Less(t, opening, 0.0)

	_, err = ClosureRate(a0, a0, b0, b0)
	assert.Error(t, err)
}
