// Package e2e boots the full orchestrator wiring against a Redis container
// and exercises the whiteboard fabric, the manager graph, and the subagents
// end to end with scripted external collaborators.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/thegaltinator/alfred-cloud/pkg/agents"
	"github.com/thegaltinator/alfred-cloud/pkg/agents/calendar"
	"github.com/thegaltinator/alfred-cloud/pkg/agents/email"
	"github.com/thegaltinator/alfred-cloud/pkg/agents/mailer"
	"github.com/thegaltinator/alfred-cloud/pkg/agents/productivity"
	"github.com/thegaltinator/alfred-cloud/pkg/api"
	"github.com/thegaltinator/alfred-cloud/pkg/config"
	"github.com/thegaltinator/alfred-cloud/pkg/manager"
	"github.com/thegaltinator/alfred-cloud/pkg/services"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// testUser is the single user every TestApp watches.
const testUser = "u-e2e"

// TestApp is one complete orchestrator instance wired for a test.
type TestApp struct {
	Config      *config.Config
	Redis       *redis.Client
	Bus         *wb.Bus
	Checkpoints *manager.RedisCheckpointStore
	Graph       *manager.Graph

	// Scripted collaborators.
	Planner    *ScriptedPlanner
	Classifier *ScriptedClassifier
	Sender     *ScriptedSender
	Calendar   *calendar.MemorySource
	Plans      *productivity.MemoryPlanSource

	// Domain state stores, for direct inspection.
	Shadow    *calendar.RedisShadowStore
	Proposals *calendar.RedisProposalStore

	BaseURL string

	runtime *manager.RuntimePool
	runners []*agents.GroupRunner
	httpSrv *httptest.Server
	t       *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg     *config.Config
	dayPlan *productivity.DayPlan
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithDayPlan seeds today's plan before the productivity worker starts, so
// its first plan load already sees the test's blocks.
func WithDayPlan(plan *productivity.DayPlan) TestAppOption {
	return func(c *testAppConfig) { c.dayPlan = plan }
}

// fastTestConfig shrinks every polling and backoff interval so tests settle
// in milliseconds instead of seconds. Thresholds the scenarios depend on
// (mismatch, cooldown) keep their production defaults; tests drive them
// with event timestamps, not wall-clock waits.
func fastTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Users = []string{testUser}
	cfg.Fabric.TailBlock = 100 * time.Millisecond
	cfg.Runtime.Backoff = 20 * time.Millisecond
	cfg.Runtime.ExternalCeiling = 10 * time.Second
	cfg.Agents.Block = 100 * time.Millisecond
	cfg.Agents.ClaimMinIdle = 5 * time.Second
	cfg.Agents.BackoffMin = 20 * time.Millisecond
	cfg.Agents.BackoffMax = 200 * time.Millisecond
	cfg.Prod.JitterPct = 0
	cfg.Email.TriageCapPerHour = 3600
	cfg.Mailer.SendCapPerHour = 3600
	return cfg
}

// NewTestApp boots a complete orchestrator instance mirroring the wiring in
// cmd/alfred-cloud. Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = fastTestConfig()
	}
	cfg := tc.cfg

	ctx := context.Background()
	client := getRedis(t)

	app := &TestApp{
		Config:     cfg,
		Redis:      client,
		Planner:    NewScriptedPlanner(),
		Classifier: NewScriptedClassifier(),
		Sender:     NewScriptedSender(),
		Calendar:   calendar.NewMemorySource(),
		Plans:      productivity.NewMemoryPlanSource(),
		t:          t,
	}
	if tc.dayPlan != nil {
		app.Plans.Put(testUser, tc.dayPlan)
	}

	// Fabric and checkpoint store.
	app.Bus = wb.NewBus(client,
		wb.WithMaxLen(cfg.Fabric.MaxLenApprox),
		wb.WithBatchCount(cfg.Fabric.BatchCount),
		wb.WithBlock(cfg.Fabric.TailBlock))
	app.Checkpoints = manager.NewRedisCheckpointStore(client)
	keys := agents.NewRedisKeySet(client)

	// Calendar subagent and the drift-checked confirm path.
	app.Shadow = calendar.NewRedisShadowStore(client)
	app.Proposals = calendar.NewRedisProposalStore(client, time.Hour)
	calGate := agents.NewDegradedGate("calendar_planner", cfg.Observability)
	calAgent := calendar.NewSubagent(app.Bus, app.Planner, app.Shadow, app.Proposals, app.Calendar, keys, calGate)
	confirmer := calendar.NewConfirmer(app.Shadow, app.Proposals, app.Calendar, app.Bus)

	// Manager graph and runtime.
	graph, err := manager.NewGraph(manager.GraphConfig{
		Bus:             app.Bus,
		Planner:         app.Planner,
		Checkpoints:     app.Checkpoints,
		Confirmer:       confirmer,
		ExternalCeiling: cfg.Runtime.ExternalCeiling,
	})
	require.NoError(t, err)
	app.Graph = graph
	app.runtime = manager.NewRuntimePool(cfg.Users, app.Bus, graph, app.Checkpoints, cfg.Runtime)
	app.runtime.Start(ctx)

	// Subagent consumer groups.
	emailGate := agents.NewDegradedGate("email_triage", cfg.Observability)
	emailAgent := email.NewSubagent(app.Bus, app.Classifier, keys, cfg.Email, emailGate)
	mailGate := agents.NewDegradedGate("mailer", cfg.Observability)
	mailWorker := mailer.NewWorker(app.Sender, keys, cfg.Mailer)
	prodGate := agents.NewDegradedGate("productivity", cfg.Observability)
	prodAgent := productivity.NewSubagent(testUser, app.Bus, app.Plans, productivity.StaticPreferences{}, productivity.NewMemoryHistory(), cfg.Prod, prodGate)

	startRunner := func(role, stream string, handler agents.Handler, gate *agents.DegradedGate) {
		r := agents.NewGroupRunner(client, role, testUser, stream, handler, cfg.Agents, gate)
		r.Start(ctx)
		app.runners = append(app.runners, r)
	}
	startRunner("calendar_planner", wb.InputKey(testUser, wb.SourceCalendar), calAgent, calGate)
	startRunner("email_triage", wb.InputKey(testUser, wb.SourceEmail), emailAgent, emailGate)
	startRunner("mailer", wb.ControlKey(testUser, wb.ControlMail), mailWorker, mailGate)
	startRunner("productivity", wb.InputKey(testUser, wb.SourceProd), prodAgent, prodGate)
	startRunner("prod_control", wb.ControlKey(testUser, wb.ControlProd), prodAgent.ControlHandler(), nil)

	// HTTP surface on an ephemeral port.
	actions := services.NewUserActionService(app.Bus)
	server := api.NewServer(cfg.Server, app.Bus, actions,
		api.WithHealthCheck(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	app.httpSrv = httptest.NewServer(server.Handler())
	app.BaseURL = app.httpSrv.URL

	t.Cleanup(func() {
		for _, r := range app.runners {
			r.Stop()
		}
		app.runtime.Stop()
		app.httpSrv.Close()
	})
	return app
}

// RestartRuntime stops the manager loop and starts a fresh one tailing from
// startAfterID, simulating a process restart with persisted checkpoints.
func (app *TestApp) RestartRuntime(startAfterID string) {
	app.t.Helper()
	app.runtime.Stop()

	restarted := *app.Config.Runtime
	restarted.StartAfterID = startAfterID
	app.runtime = manager.NewRuntimePool(app.Config.Users, app.Bus, app.Graph, app.Checkpoints, &restarted)
	app.runtime.Start(context.Background())
}

// AppendInput writes one entry to an input or control stream, the way the
// external pollers and clients do.
func (app *TestApp) AppendInput(stream string, values map[string]any) string {
	app.t.Helper()
	id, err := app.Bus.AppendTo(context.Background(), stream, values)
	require.NoError(app.t, err)
	return id
}

// AppendWB writes one whiteboard entry directly, bypassing the subagents.
func (app *TestApp) AppendWB(threadID string, values map[string]any) string {
	app.t.Helper()
	id, err := app.Bus.Append(context.Background(), testUser, threadID, values)
	require.NoError(app.t, err)
	return id
}

// WBEvents returns every retained whiteboard entry after afterID ("" for
// the whole window).
func (app *TestApp) WBEvents(afterID string) []wb.Event {
	app.t.Helper()
	events, err := app.Bus.ReadRange(context.Background(), testUser, afterID, 1000)
	require.NoError(app.t, err)
	return events
}

// CountWBType counts retained whiteboard entries of one type.
func (app *TestApp) CountWBType(typ string) int {
	app.t.Helper()
	count := 0
	for _, ev := range app.WBEvents("") {
		if ev.Type() == typ {
			count++
		}
	}
	return count
}

// AwaitWBType waits for one whiteboard entry of the given type strictly
// after afterID and returns it.
func (app *TestApp) AwaitWBType(afterID, typ string, timeout time.Duration) wb.Event {
	app.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, ev := range app.WBEvents(afterID) {
			if ev.Type() == typ {
				return ev
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	app.t.Fatalf("no %s event appeared on the whiteboard within %s", typ, timeout)
	return wb.Event{}
}

// StreamLen returns the number of retained entries on a stream.
func (app *TestApp) StreamLen(stream string) int64 {
	app.t.Helper()
	n, err := app.Redis.XLen(context.Background(), stream).Result()
	require.NoError(app.t, err)
	return n
}

// PostUserAction submits a user action through the HTTP ingress and returns
// the assigned whiteboard ID.
func (app *TestApp) PostUserAction(req services.UserActionRequest) string {
	app.t.Helper()
	body, err := json.Marshal(req)
	require.NoError(app.t, err)

	resp, err := http.Post(app.BaseURL+"/wb/user_action", "application/json", bytes.NewReader(body))
	require.NoError(app.t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(app.t, http.StatusAccepted, resp.StatusCode)

	var out map[string]string
	require.NoError(app.t, json.NewDecoder(resp.Body).Decode(&out))
	return out["wb_id"]
}
