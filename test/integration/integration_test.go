// End-to-end scenarios against a mock Abode backend: REST, the settings
// cache and the real-time event path all running together.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abodebridge/pkg/bridge"
	"abodebridge/pkg/testutil"
)

func newEnv(t *testing.T) *testutil.TestEnv {
	t.Helper()
	env, err := testutil.NewTestEnv()
	require.NoError(t, err)
	t.Cleanup(env.Cleanup)
	return env
}

func await(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestDeviceInventory(t *testing.T) {
	env := newEnv(t)
	env.Server.SetDevice("RF:01", map[string]any{
		"name":   "Front Door",
		"type":   "Door Contact",
		"status": "Closed",
	})
	env.Server.SetDevice("RF:02", map[string]any{
		"name":   "Motion Sensor",
		"type":   "Motion Camera",
		"status": "Online",
	})

	devices, err := env.Bridge.Client.GetDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	front := env.Bridge.Client.GetDevice("RF:01")
	require.NotNil(t, front)
	assert.Equal(t, "Front Door", front.Name)
	assert.Equal(t, "Closed", front.Status)

	alarm, err := env.Bridge.Client.GetAlarm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "standby", alarm.Mode)
}

func TestArmPanelAndObserveModeChange(t *testing.T) {
	env := newEnv(t)

	modes := make(chan string, 1)
	_, err := env.Bridge.Events.AddEventCallback(bridge.GroupModeChange, func(event bridge.TimelineEvent) {
		modes <- event.EventName
	})
	require.NoError(t, err)

	require.NoError(t, env.Bridge.Client.SetAlarmMode(context.Background(), "away"))
	assert.Equal(t, []string{"away"}, env.Server.ModeWrites())

	// The backend confirms the arm over the event socket.
	env.Server.PushModeChange("away")
	await(t, modes, "away")
}

func TestDevicePushRefreshesBeforeCallback(t *testing.T) {
	env := newEnv(t)
	env.Server.SetDevice("RF:01", map[string]any{
		"name":   "Front Door",
		"status": "Closed",
	})

	_, err := env.Bridge.Client.GetDevices(context.Background())
	require.NoError(t, err)

	states := make(chan string, 1)
	_, err = env.Bridge.Events.AddDeviceCallback("RF:01", func(deviceID string) {
		device := env.Bridge.Client.GetDevice(deviceID)
		states <- device.Status
	})
	require.NoError(t, err)

	env.Server.SetDevice("RF:01", map[string]any{
		"name":   "Front Door",
		"status": "Open",
	})
	env.Server.PushDeviceUpdate("RF:01")

	// The callback observes the post-event state, not the stale one.
	await(t, states, "Open")
}

func TestTimelinePushRoutesToGroup(t *testing.T) {
	env := newEnv(t)

	alarms := make(chan string, 1)
	_, err := env.Bridge.Events.AddEventCallback(bridge.GroupAlarm, func(event bridge.TimelineEvent) {
		alarms <- event.EventCode
	})
	require.NoError(t, err)

	all := make(chan string, 1)
	_, err = env.Bridge.Events.AddTimelineCallback("*", func(event bridge.TimelineEvent) {
		all <- event.EventCode
	})
	require.NoError(t, err)

	env.Server.PushTimelineEvent(map[string]any{
		"id":          "tl-1",
		"event_code":  "1100",
		"event_type":  "Burglar Alarm",
		"device_name": "Front Door",
	})

	await(t, alarms, "1100")
	await(t, all, "1100")
}

func TestReconnectAfterServerDrop(t *testing.T) {
	env := newEnv(t)

	statuses := make(chan string, 8)
	env.Bridge.Events.AddConnectionStatusCallback("test", func(connected bool) {
		if connected {
			statuses <- "up"
		} else {
			statuses <- "down"
		}
	})

	env.Server.DropConnections()
	await(t, statuses, "down")

	require.NoError(t, env.WaitReconnected(5*time.Second))

	// Reconnecting never re-authenticates; the session cookie is reused.
	assert.Equal(t, 1, env.Server.LoginCount())
}

func TestEventsKeepFlowingAfterReconnect(t *testing.T) {
	env := newEnv(t)

	modes := make(chan string, 4)
	_, err := env.Bridge.Events.AddEventCallback(bridge.GroupModeChange, func(event bridge.TimelineEvent) {
		modes <- event.EventName
	})
	require.NoError(t, err)

	env.Server.DropConnections()
	require.NoError(t, env.WaitReconnected(5*time.Second))

	env.Server.PushModeChange("home")
	await(t, modes, "home")
}

func TestTimelineAndSettingsEndpoints(t *testing.T) {
	env := newEnv(t)
	env.Server.SetTimeline([]map[string]any{
		{"id": "tl-1", "event_code": "3401", "event_type": "Arm"},
		{"id": "tl-2", "event_code": "1400", "event_type": "Disarm"},
	})

	events, err := env.Bridge.Client.GetTimelineEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	active, err := env.Bridge.Client.GetTestMode(context.Background())
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, env.Bridge.Client.SetTestMode(context.Background(), true))

	active, err = env.Bridge.Client.GetTestMode(context.Background())
	require.NoError(t, err)
	assert.True(t, active)
}
