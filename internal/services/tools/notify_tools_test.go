package tools

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// outboxBodies reads the raw notification outbox rows
func (f *toolsFixture) outboxBodies(t *testing.T) []string {
	t.Helper()
	rows, err := f.stores.DB().Query(`SELECT body FROM goqite WHERE queue = 'indago_notifications'`)
	require.NoError(t, err)
	defer rows.Close()

	var bodies []string
	for rows.Next() {
		var body []byte
		require.NoError(t, rows.Scan(&body))
		bodies = append(bodies, string(body))
	}
	require.NoError(t, rows.Err())
	return bodies
}

func TestNotifyUser_QueuedWithLocalDiagnostic(t *testing.T) {
	f := setupToolsTest(t)

	env := f.call(t, "notify_user", `{"event":"task_progress","task_id":"task-1","payload":{"pages_fetched":12}}`)
	require.Equal(t, true, env["ok"])
	assert.Equal(t, "task_progress", env["event"])
	assert.Equal(t, true, env["queued"])
	notificationID := env["notification_id"].(string)
	assert.True(t, strings.HasPrefix(notificationID, "notify_"))

	// The fixture has no sink, so delivery degrades to the local log
	assert.Contains(t, env["diagnostic"], "no delivery sink")

	bodies := f.outboxBodies(t)
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], notificationID)
	assert.Contains(t, bodies[0], "pages_fetched")
}

func TestNotifyUser_UnknownEventRejected(t *testing.T) {
	f := setupToolsTest(t)

	env := f.call(t, "notify_user", `{"event":"fireworks"}`)
	assert.Equal(t, "INVALID_PARAMS", env["error_code"])
	assert.Empty(t, f.outboxBodies(t))
}

func TestWaitForUser_ReturnsImmediately(t *testing.T) {
	f := setupToolsTest(t)

	env := f.call(t, "wait_for_user", `{"prompt":"Solve the captcha on portal.example.com","task_id":"task-1"}`)
	require.Equal(t, true, env["ok"])
	assert.Equal(t, "notification_sent", env["status"])
	assert.Equal(t, "Solve the captcha on portal.example.com", env["prompt"])
	assert.EqualValues(t, 300, env["timeout_seconds"])
	assert.True(t, strings.HasPrefix(env["notification_id"].(string), "notify_"))

	bodies := f.outboxBodies(t)
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "auth_required")
	assert.Contains(t, bodies[0], "Solve the captcha")
}

func TestWaitForUser_CustomTimeoutAndOptions(t *testing.T) {
	f := setupToolsTest(t)

	env := f.call(t, "wait_for_user", `{"prompt":"Pick a source to trust","timeout_seconds":600,"options":{"choices":["gov","press"]}}`)
	require.Equal(t, true, env["ok"])
	assert.EqualValues(t, 600, env["timeout_seconds"])

	bodies := f.outboxBodies(t)
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], `"timeout_seconds":600`)
	assert.Contains(t, bodies[0], "choices")
}
