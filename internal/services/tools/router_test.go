package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/indago/internal/common"
	"github.com/ternarybob/indago/internal/interfaces"
	"github.com/ternarybob/indago/internal/models"
	"github.com/ternarybob/indago/internal/queue"
	"github.com/ternarybob/indago/internal/schemas"
	"github.com/ternarybob/indago/internal/services/calibration"
	"github.com/ternarybob/indago/internal/services/notify"
	"github.com/ternarybob/indago/internal/services/status"
	"github.com/ternarybob/indago/internal/state"
	"github.com/ternarybob/indago/internal/storage"
)

// toolsFixture wires the complete tool surface over real storage
type toolsFixture struct {
	router      *Router
	registry    *schemas.Registry
	stores      interfaces.StorageManager
	queue       *queue.Service
	state       *state.Manager
	notifier    *queue.Notifier
	calibration *calibration.Service
}

func setupToolsTest(t *testing.T) *toolsFixture {
	t.Helper()
	tempDir := t.TempDir()
	logger := arbor.NewLogger()

	config := &common.Config{
		Storage: common.StorageConfig{
			SQLite: common.SQLiteConfig{Path: tempDir + "/test.db", CacheSizeMB: 10, BusyTimeoutMS: 5000},
			Badger: common.BadgerConfig{Path: tempDir + "/content"},
		},
	}
	stores, err := storage.NewStorageManager(logger, config)
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })

	registry, err := schemas.NewRegistry(logger, "")
	require.NoError(t, err)

	notifier := queue.NewNotifier()
	stateMgr, err := state.NewManager(stores.SearchStorage(), stores.EvidenceStorage(), notifier, &common.StateConfig{CacheSize: 16}, logger)
	require.NoError(t, err)

	queueSvc := queue.NewService(stores.TaskStorage(), stores.JobStorage(), queue.NewActionRegistry(logger), nil, nil, notifier, logger)
	statusSvc := status.NewService(stores.TaskStorage(), stores.JobStorage(), stores.InterventionStorage(), stores.RuleStorage(), stateMgr, notifier, &common.StatusConfig{MaxWaitSeconds: 2}, logger)
	calibrationSvc := calibration.NewService(stores.CalibrationStorage(), logger)

	// No sink: the outbox records and DeliveryEnabled reports false
	notifySvc, err := notify.NewService(stores.DB(), nil, &common.NotifyConfig{}, logger)
	require.NoError(t, err)

	toolset := &Toolset{
		Tasks:       NewTaskTools(stores.TaskStorage(), queueSvc, stateMgr, notifier, nil, common.BudgetConfig{Pages: 120, MaxSeconds: 1200}, logger),
		Status:      NewStatusTools(statusSvc),
		Queue:       NewQueueTools(stores.TaskStorage(), stores.EvidenceStorage(), queueSvc, logger),
		Materials:   NewMaterialsTools(stores.TaskStorage(), stores.EvidenceStorage(), logger),
		Calibration: NewCalibrationTools(calibrationSvc),
		Auth:        NewAuthTools(stores.InterventionStorage(), queueSvc, notifier, logger),
		Notify:      NewNotifyTools(notifySvc, logger),
		Feedback:    NewFeedbackHandler(stores.RuleStorage(), stores.EvidenceStorage(), calibrationSvc, nil, notifier, logger),
	}

	router := NewRouter(registry, logger)
	require.NoError(t, toolset.Register(router))

	return &toolsFixture{
		router:      router,
		registry:    registry,
		stores:      stores,
		queue:       queueSvc,
		state:       stateMgr,
		notifier:    notifier,
		calibration: calibrationSvc,
	}
}

// call routes one invocation and checks the envelope against the wire
// schemas before handing it back for assertions
func (f *toolsFixture) call(t *testing.T, tool string, args string) map[string]interface{} {
	t.Helper()

	envelope := f.router.Call(context.Background(), tool, json.RawMessage(args))
	wire := roundTrip(t, envelope)

	if ok, _ := wire["ok"].(bool); ok {
		require.NoError(t, f.registry.ValidateOutput(tool, wire))
	} else {
		require.NoError(t, f.registry.ValidateError(wire))
	}
	return wire
}

// roundTrip re-encodes an envelope the way the transport would, so
// assertions and schema checks see JSON-native values
func roundTrip(t *testing.T, envelope map[string]interface{}) map[string]interface{} {
	t.Helper()

	data, err := json.Marshal(envelope)
	require.NoError(t, err)
	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	return wire
}

func (f *toolsFixture) createTask(t *testing.T, taskID string) *models.Task {
	t.Helper()

	task := models.NewTask(taskID, "grid reliability research", models.Budget{Pages: 120, MaxSeconds: 1200})
	require.NoError(t, f.stores.TaskStorage().CreateTask(context.Background(), task))
	return task
}

func newBareRouter(t *testing.T) *Router {
	t.Helper()

	logger := arbor.NewLogger()
	registry, err := schemas.NewRegistry(logger, "")
	require.NoError(t, err)
	return NewRouter(registry, logger)
}

func TestRouter_UnknownTool(t *testing.T) {
	f := setupToolsTest(t)

	env := f.call(t, "transmute_lead", `{}`)
	assert.Equal(t, false, env["ok"])
	assert.Equal(t, "INVALID_PARAMS", env["error_code"])
	assert.Contains(t, env["error"], "unknown tool")

	details, ok := env["details"].(map[string]interface{})
	require.True(t, ok)
	known, ok := details["known_tools"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, known, "create_task")
	assert.Len(t, known, 13)
}

func TestRouter_ArgumentsMustBeObject(t *testing.T) {
	f := setupToolsTest(t)

	env := f.call(t, "create_task", `"zap"`)
	assert.Equal(t, "INVALID_PARAMS", env["error_code"])
	assert.Contains(t, env["error"], "must be a JSON object")

	env = f.call(t, "create_task", `{"query":`)
	assert.Equal(t, "INVALID_PARAMS", env["error_code"])
}

func TestRouter_EmptyArgsActAsEmptyObject(t *testing.T) {
	f := setupToolsTest(t)

	// get_auth_queue has no required inputs
	env := f.call(t, "get_auth_queue", ``)
	assert.Equal(t, true, env["ok"])
	assert.EqualValues(t, 0, env["total_count"])
}

func TestRouter_SchemaViolationRejected(t *testing.T) {
	f := setupToolsTest(t)

	env := f.call(t, "create_task", `{}`)
	assert.Equal(t, "INVALID_PARAMS", env["error_code"])
	assert.Contains(t, env["error"], "create_task")

	details, ok := env["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, details, "validation")
}

func TestRouter_PanicContained(t *testing.T) {
	f := setupToolsTest(t)
	r := newBareRouter(t)
	require.NoError(t, r.Register("notify_user", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		panic("boom: nil dereference in handler")
	}))

	env := roundTrip(t, r.Call(context.Background(), "notify_user", json.RawMessage(`{"event":"info"}`)))
	require.NoError(t, f.registry.ValidateError(env))

	assert.Equal(t, "INTERNAL_ERROR", env["error_code"])
	errID, _ := env["error_id"].(string)
	assert.True(t, strings.HasPrefix(errID, "err_"), "error_id %q should carry the err_ prefix", errID)
	// The panic text stays in the log, not in the envelope
	assert.NotContains(t, env["error"], "boom")
}

func TestRouter_UnexpectedErrorGetsCorrelationID(t *testing.T) {
	f := setupToolsTest(t)
	r := newBareRouter(t)
	require.NoError(t, r.Register("notify_user", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("connection pool exhausted")
	}))

	env := roundTrip(t, r.Call(context.Background(), "notify_user", json.RawMessage(`{"event":"info"}`)))
	require.NoError(t, f.registry.ValidateError(env))

	assert.Equal(t, "INTERNAL_ERROR", env["error_code"])
	assert.NotEmpty(t, env["error_id"])
	assert.NotContains(t, env["error"], "connection pool")
}

func TestRouter_TypedErrorsKeepTheirCode(t *testing.T) {
	r := newBareRouter(t)
	require.NoError(t, r.Register("notify_user", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return nil, models.TaskNotFound("task task_x not found")
	}))

	env := roundTrip(t, r.Call(context.Background(), "notify_user", json.RawMessage(`{"event":"info"}`)))
	assert.Equal(t, "TASK_NOT_FOUND", env["error_code"])
	assert.NotContains(t, env, "error_id")
}

func TestRouter_SuccessGainsOKFlag(t *testing.T) {
	r := newBareRouter(t)
	require.NoError(t, r.Register("get_auth_queue", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"total_count": 0, "items": []interface{}{}}, nil
	}))

	env := r.Call(context.Background(), "get_auth_queue", nil)
	assert.Equal(t, true, env["ok"])
	assert.Equal(t, 0, env["total_count"])
}

func TestRouter_NilResultBecomesBareEnvelope(t *testing.T) {
	r := newBareRouter(t)
	require.NoError(t, r.Register("get_auth_queue", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	}))

	env := r.Call(context.Background(), "get_auth_queue", nil)
	assert.Equal(t, map[string]interface{}{"ok": true}, env)
}

func TestRouter_RegisterValidation(t *testing.T) {
	r := newBareRouter(t)
	noop := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	}

	err := r.Register("made_up_tool", noop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no schema")

	require.NoError(t, r.Register("notify_user", noop))
	err = r.Register("notify_user", noop)
	require.Error(t, err)
}

func TestRouter_ToolsListsAllThirteen(t *testing.T) {
	f := setupToolsTest(t)

	tools := f.router.Tools()
	assert.Equal(t, f.registry.Tools(), tools)
	assert.Len(t, tools, 13)

	raw, ok := f.router.Schema("create_task")
	require.True(t, ok)
	assert.Contains(t, string(raw), `"input"`)
}
