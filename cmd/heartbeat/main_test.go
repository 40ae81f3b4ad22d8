package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambidispatch/internal/geo"
)

func TestDriveProgression(t *testing.T) {
	from := geo.Point{Lat: 12.99, Lng: 77.57}
	to := geo.Point{Lat: 12.9716, Lng: 77.5946}
	reports := drive(from, to, 9, 12, time.Second)
	require.Len(t, reports, 9)

	assert.Equal(t, "en_route", reports[0].Status)
	assert.Equal(t, "nearby", reports[7].Status)
	assert.Equal(t, "arrived", reports[8].Status)
	assert.InDelta(t, to.Lat, reports[8].Lat, 1e-9)
	assert.InDelta(t, 0, reports[8].ETAMinutes, 1e-9)

	for i := 1; i < len(reports); i++ {
		assert.LessOrEqual(t, reports[i].ETAMinutes, reports[i-1].ETAMinutes)
		assert.Greater(t, reports[i].Timestamp, reports[i-1].Timestamp)
	}
}
