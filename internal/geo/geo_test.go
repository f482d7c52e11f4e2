package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven/backend/internal/core"
)

func TestDistanceKM(t *testing.T) {
	// Johannesburg CBD to Sandton, roughly 12 km as the crow flies.
	jhb := core.Point{Lon: 28.0473, Lat: -26.2041}
	sandton := core.Point{Lon: 28.0567, Lat: -26.1076}

	d := DistanceKM(jhb, sandton)
	assert.InDelta(t, 10.8, d, 1.0)

	// Symmetry and identity.
	assert.Equal(t, DistanceKM(jhb, sandton), DistanceKM(sandton, jhb))
	assert.Zero(t, DistanceKM(jhb, jhb))
}

func TestETAMinutes(t *testing.T) {
	assert.Equal(t, 0, ETAMinutes(0))
	// 8 km at 40 km/h = 12 min
	assert.Equal(t, 12, ETAMinutes(8))
	// 10 km boundary still uses the slow curve: 15 min
	assert.Equal(t, 15, ETAMinutes(10))
	// 30 km at 60 km/h = 30 min
	assert.Equal(t, 30, ETAMinutes(30))
	// 80 km at 80 km/h = 60 min
	assert.Equal(t, 60, ETAMinutes(80))
	// Rounds up: 11 km at 60 km/h = 11 min exactly, 11.5 km -> 12
	assert.Equal(t, 11, ETAMinutes(11))
	assert.Equal(t, 12, ETAMinutes(11.5))
}

func TestPathDistanceKM(t *testing.T) {
	a := core.Point{Lon: 28.0, Lat: -26.0}
	b := core.Point{Lon: 28.1, Lat: -26.0}
	c := core.Point{Lon: 28.2, Lat: -26.0}

	total := PathDistanceKM([]core.Point{a, b, c})
	assert.InDelta(t, DistanceKM(a, b)+DistanceKM(b, c), total, 1e-9)
	assert.Zero(t, PathDistanceKM([]core.Point{a}))
	assert.Zero(t, PathDistanceKM(nil))
}

func square() []core.Point {
	return []core.Point{
		{Lon: 0, Lat: 0},
		{Lon: 4, Lat: 0},
		{Lon: 4, Lat: 4},
		{Lon: 0, Lat: 4},
	}
}

func TestNormalizeRingAutoCloses(t *testing.T) {
	closed, err := NormalizeRing(square())
	require.NoError(t, err)
	assert.Len(t, closed, 5)
	assert.Equal(t, closed[0], closed[len(closed)-1])

	// Already-closed input is unchanged.
	again, err := NormalizeRing(closed)
	require.NoError(t, err)
	assert.Equal(t, closed, again)
}

func TestNormalizeRingRejectsDegenerate(t *testing.T) {
	_, err := NormalizeRing(nil)
	require.Error(t, err)

	_, err = NormalizeRing([]core.Point{{Lon: 1, Lat: 1}, {Lon: 2, Lat: 2}})
	require.Error(t, err)
	ce, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeInvalidCoordinates, ce.Code)

	// Repeated vertices collapse below the minimum.
	_, err = NormalizeRing([]core.Point{
		{Lon: 1, Lat: 1}, {Lon: 2, Lat: 2}, {Lon: 1, Lat: 1}, {Lon: 2, Lat: 2},
	})
	require.Error(t, err)
}

func TestNormalizeRingRejectsSelfIntersection(t *testing.T) {
	// Bowtie
	_, err := NormalizeRing([]core.Point{
		{Lon: 0, Lat: 0},
		{Lon: 4, Lat: 4},
		{Lon: 4, Lat: 0},
		{Lon: 0, Lat: 4},
	})
	require.Error(t, err)
	ce, _ := core.AsError(err)
	assert.Equal(t, core.CodeInvalidCoordinates, ce.Code)
}

func TestNormalizeRingRejectsOutOfBounds(t *testing.T) {
	_, err := NormalizeRing([]core.Point{
		{Lon: 0, Lat: 0}, {Lon: 200, Lat: 0}, {Lon: 0, Lat: 50},
	})
	require.Error(t, err)
}

func TestContains(t *testing.T) {
	closed, err := NormalizeRing(square())
	require.NoError(t, err)

	assert.True(t, Contains(closed, core.Point{Lon: 2, Lat: 2}))
	assert.False(t, Contains(closed, core.Point{Lon: 5, Lat: 2}))
	assert.False(t, Contains(closed, core.Point{Lon: -1, Lat: -1}))

	// Edge and vertex count as inside.
	assert.True(t, Contains(closed, core.Point{Lon: 0, Lat: 2}))
	assert.True(t, Contains(closed, core.Point{Lon: 0, Lat: 0}))
}

func TestContainsConcave(t *testing.T) {
	// L-shape: notch cut out of the top-right.
	closed, err := NormalizeRing([]core.Point{
		{Lon: 0, Lat: 0},
		{Lon: 4, Lat: 0},
		{Lon: 4, Lat: 2},
		{Lon: 2, Lat: 2},
		{Lon: 2, Lat: 4},
		{Lon: 0, Lat: 4},
	})
	require.NoError(t, err)

	assert.True(t, Contains(closed, core.Point{Lon: 1, Lat: 3}))
	assert.False(t, Contains(closed, core.Point{Lon: 3, Lat: 3})) // inside the notch
	assert.True(t, Contains(closed, core.Point{Lon: 3, Lat: 1}))
}
