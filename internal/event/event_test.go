package event_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/trafficjam/simengine/internal/event"

	"github.com/stretchr/testify/require"
)

func TestAllowed(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  bool
	}{
		{"departure", true},
		{"arrival", true},
		{"entered link", true},
		{"left link", true},
		{"PersonEntersVehicle", true},
		{"PersonLeavesVehicle", true},
		{"vehicle enters traffic", true},
		{"vehicle leaves traffic", true},
		{"h", true},
		{"w", true},
		{"ü", true},
		{"", false},
		{"actstart", false},
		{"actend", false},
		{"Departure", false},
		{"hw", false},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.then, event.Allowed(tc.given), "type %q", tc.given)
	}
}

func TestTransform_ActivityCode(t *testing.T) {
	t.Parallel()
	e, ok := event.Transform(event.Raw{
		Type:       "h",
		Time:       3600.0,
		Attributes: map[string]string{"person": "p1"},
	})
	require.True(t, ok)
	require.Equal(t, "h", e.Type)
	require.Equal(t, 3600.0, e.Time)
	require.NotNil(t, e.AgentID)
	require.Equal(t, "p1", *e.AgentID)
	require.Nil(t, e.LinkID)
	require.Nil(t, e.ActivityType)
	require.Nil(t, e.X)
	require.Nil(t, e.Y)

	b, err := json.Marshal(e)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"h","time":3600,"agentId":"p1"}`, string(b))
}

func TestTransform_EmptyAttribute(t *testing.T) {
	t.Parallel()
	e, ok := event.Transform(event.Raw{
		Type:       "entered link",
		Time:       12.5,
		Attributes: map[string]string{"person": "", "link": "l7", "actType": "work", "vehicle": "v1"},
	})
	require.True(t, ok)
	// present but empty is still present
	require.NotNil(t, e.AgentID)
	require.Equal(t, "", *e.AgentID)
	require.Equal(t, "l7", *e.LinkID)
	require.Equal(t, "work", *e.ActivityType)
}

func TestTransform_Malformed(t *testing.T) {
	t.Parallel()
	for _, r := range []event.Raw{
		{Type: "", Time: 1},
		{Type: "h", Time: math.NaN()},
		{Type: "h", Time: math.Inf(1)},
		{Type: "arrival", Time: math.Inf(-1)},
	} {
		_, ok := event.Transform(r)
		require.False(t, ok, "%+v", r)
	}
}
