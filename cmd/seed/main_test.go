package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambidispatch/internal/dispatch"
	"ambidispatch/internal/geo"
)

func TestDemoFleet(t *testing.T) {
	center := geo.Point{Lat: 12.9716, Lng: 77.5946}
	fleet := demoFleet(center, 4, 4, "operator_1")
	require.Len(t, fleet, 4)

	ids := map[string]bool{}
	for _, a := range fleet {
		ids[a.ID] = true
		assert.Equal(t, dispatch.AmbulanceAvailable, a.Status)
		assert.Equal(t, "operator_1", a.OperatorID)
		assert.InDelta(t, 4, geo.DistanceKM(center, a.Base), 0.05)
	}
	assert.Len(t, ids, 4)
	assert.True(t, fleet[0].IsDefault)
	assert.False(t, fleet[1].IsDefault)
}
