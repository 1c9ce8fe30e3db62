package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/indago/internal/models"
)

// seedAuthQueue inserts three pending intervention items: two blocked on
// portal.example.com and one on paywall.example.net, all for task-1.
func (f *toolsFixture) seedAuthQueue(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	iv := f.stores.InterventionStorage()

	items := []*models.InterventionItem{
		models.NewInterventionItem("q1", "task-1", "https://portal.example.com/report", "portal.example.com", "captcha", "high"),
		models.NewInterventionItem("q2", "task-1", "https://portal.example.com/archive", "portal.example.com", "login", "medium"),
		models.NewInterventionItem("q3", "task-1", "https://paywall.example.net/article", "paywall.example.net", "paywall", "low"),
	}
	for _, item := range items {
		require.NoError(t, iv.InsertItem(ctx, item))
	}
}

func TestGetAuthQueue_FlatListAndFilters(t *testing.T) {
	f := setupToolsTest(t)
	f.createTask(t, "task-1")
	f.seedAuthQueue(t)

	env := f.call(t, "get_auth_queue", `{}`)
	require.Equal(t, true, env["ok"])
	assert.EqualValues(t, 3, env["total_count"])
	assert.Len(t, env["items"].([]interface{}), 3)

	env = f.call(t, "get_auth_queue", `{"priority_filter":"high"}`)
	assert.EqualValues(t, 1, env["total_count"])
	items := env["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "q1", items[0].(map[string]interface{})["queue_id"])

	env = f.call(t, "get_auth_queue", `{"task_id":"task-other"}`)
	assert.EqualValues(t, 0, env["total_count"])
}

func TestGetAuthQueue_GroupByDomainAndType(t *testing.T) {
	f := setupToolsTest(t)
	f.createTask(t, "task-1")
	f.seedAuthQueue(t)

	env := f.call(t, "get_auth_queue", `{"group_by":"domain"}`)
	require.Equal(t, true, env["ok"])
	_, hasItems := env["items"]
	assert.False(t, hasItems)
	groups := env["groups"].(map[string]interface{})
	require.Len(t, groups, 2)
	assert.Len(t, groups["portal.example.com"].([]interface{}), 2)
	assert.Len(t, groups["paywall.example.net"].([]interface{}), 1)

	env = f.call(t, "get_auth_queue", `{"group_by":"type"}`)
	groups = env["groups"].(map[string]interface{})
	require.Len(t, groups, 3)
	for _, authType := range []string{"captcha", "login", "paywall"} {
		assert.Len(t, groups[authType].([]interface{}), 1)
	}
}

func TestGetAuthQueue_InvalidGroupByRejected(t *testing.T) {
	f := setupToolsTest(t)

	env := f.call(t, "get_auth_queue", `{"group_by":"priority"}`)
	assert.Equal(t, "INVALID_PARAMS", env["error_code"])
}

func TestResolveAuth_ItemCompleteRequeuesURL(t *testing.T) {
	f := setupToolsTest(t)
	ctx := context.Background()
	f.createTask(t, "task-1")
	f.seedAuthQueue(t)

	env := f.call(t, "resolve_auth", `{"target":"item","queue_id":"q1","action":"complete","success":true}`)
	require.Equal(t, true, env["ok"])
	assert.Equal(t, "item", env["target"])
	assert.Equal(t, "complete", env["action"])
	assert.EqualValues(t, 1, env["resolved_count"])
	assert.EqualValues(t, 1, env["requeued_count"])

	item, err := f.stores.InterventionStorage().GetItem(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.InterventionResolved, item.Status)
	require.NotNil(t, item.Success)
	assert.True(t, *item.Success)
	assert.NotNil(t, item.ResolvedAt)

	// The freed URL goes back on the queue ahead of exploration work
	jobs, err := f.stores.JobStorage().ListJobs(ctx, "task-1", models.JobStateQueued)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.PriorityHigh, jobs[0].Priority)
	assert.Equal(t, "https://portal.example.com/report", jobs[0].Input.Target.URL)
}

func TestResolveAuth_SkipAndFailureDoNotRequeue(t *testing.T) {
	f := setupToolsTest(t)
	ctx := context.Background()
	f.createTask(t, "task-1")
	f.seedAuthQueue(t)

	env := f.call(t, "resolve_auth", `{"target":"item","queue_id":"q1","action":"skip"}`)
	require.Equal(t, true, env["ok"])
	assert.EqualValues(t, 0, env["requeued_count"])
	item, err := f.stores.InterventionStorage().GetItem(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.InterventionSkipped, item.Status)

	// Completing with success=false records the outcome but retries nothing
	env = f.call(t, "resolve_auth", `{"target":"item","queue_id":"q2","action":"complete","success":false}`)
	require.Equal(t, true, env["ok"])
	assert.EqualValues(t, 1, env["resolved_count"])
	assert.EqualValues(t, 0, env["requeued_count"])

	jobs, err := f.stores.JobStorage().ListJobs(ctx, "task-1", models.JobStateQueued)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestResolveAuth_DomainResolvesAllPending(t *testing.T) {
	f := setupToolsTest(t)
	ctx := context.Background()
	f.createTask(t, "task-1")
	f.seedAuthQueue(t)

	env := f.call(t, "resolve_auth", `{"target":"domain","domain":"portal.example.com","action":"complete","success":true}`)
	require.Equal(t, true, env["ok"])
	assert.EqualValues(t, 2, env["resolved_count"])
	assert.EqualValues(t, 2, env["requeued_count"])

	// The paywall item on the other domain is untouched
	item, err := f.stores.InterventionStorage().GetItem(ctx, "q3")
	require.NoError(t, err)
	assert.Equal(t, models.InterventionPending, item.Status)

	jobs, err := f.stores.JobStorage().ListJobs(ctx, "task-1", models.JobStateQueued)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestResolveAuth_SkipWakesStatusWaiters(t *testing.T) {
	f := setupToolsTest(t)
	f.createTask(t, "task-1")
	f.seedAuthQueue(t)

	// A waiter registered before the resolution, as a long-poll would be
	waiter := f.notifier.Wait("task-1")

	env := f.call(t, "resolve_auth", `{"target":"item","queue_id":"q1","action":"skip"}`)
	require.Equal(t, true, env["ok"])

	select {
	case <-waiter:
	default:
		t.Fatal("intervention resolution did not wake the task's waiters")
	}
}

func TestResolveAuth_DomainResolutionWakesEachOwningTask(t *testing.T) {
	f := setupToolsTest(t)
	ctx := context.Background()
	f.createTask(t, "task-1")
	f.createTask(t, "task-2")
	f.seedAuthQueue(t)
	require.NoError(t, f.stores.InterventionStorage().InsertItem(ctx,
		models.NewInterventionItem("q4", "task-2", "https://portal.example.com/data", "portal.example.com", "login", "medium")))

	first := f.notifier.Wait("task-1")
	second := f.notifier.Wait("task-2")

	env := f.call(t, "resolve_auth", `{"target":"domain","domain":"portal.example.com","action":"complete","success":false}`)
	require.Equal(t, true, env["ok"])
	assert.EqualValues(t, 3, env["resolved_count"])

	for name, waiter := range map[string]<-chan struct{}{"task-1": first, "task-2": second} {
		select {
		case <-waiter:
		default:
			t.Fatalf("domain resolution did not wake waiters of %s", name)
		}
	}
}

func TestResolveAuth_MissingIdentifierRejected(t *testing.T) {
	f := setupToolsTest(t)

	env := f.call(t, "resolve_auth", `{"target":"item","action":"complete"}`)
	assert.Equal(t, "INVALID_PARAMS", env["error_code"])
	assert.Contains(t, env["error"], "queue_id is required")

	env = f.call(t, "resolve_auth", `{"target":"domain","action":"skip"}`)
	assert.Equal(t, "INVALID_PARAMS", env["error_code"])
	assert.Contains(t, env["error"], "domain is required")
}

func TestResolveAuth_UnknownItem(t *testing.T) {
	f := setupToolsTest(t)

	env := f.call(t, "resolve_auth", `{"target":"item","queue_id":"q-missing","action":"complete"}`)
	assert.Equal(t, "TASK_NOT_FOUND", env["error_code"])
}
