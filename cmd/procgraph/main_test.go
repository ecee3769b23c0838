package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procgraph/internal/definition"
	"github.com/rendis/procgraph/internal/engine"
	"github.com/rendis/procgraph/internal/store"
	"github.com/rendis/procgraph/internal/streaming"
	"github.com/rendis/procgraph/pkg/schema"
)

const routingYAML = `name: routing
owner: ops
nodes:
  - id: s
    type: start
    successors: [sp]
  - id: sp
    type: split
    min: 1
    max: 1
    successors: [fast, slow]
    branches:
      - to: fast
        condition: {expr: "data.fast == true"}
      - to: slow
        condition: {expr: "data.fast == false"}
  - id: fast
    type: activity
    successors: [j]
  - id: slow
    type: activity
    successors: [j]
  - id: j
    type: join
    min: 1
    max: 1
    successors: [e]
  - id: e
    type: end
`

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		DBPath:        filepath.Join(t.TempDir(), "procgraph.db"),
		LogLevel:      "error",
		LogFormat:     "text",
		PoolSize:      2,
		Pedantic:      true,
		ConditionLang: "cel",
	}
}

func writeDefinition(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(routingYAML), 0o600))
	return path
}

func execute(t *testing.T, cfg Config, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(cfg)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCmd(t *testing.T) {
	cfg := testConfig(t)
	path := writeDefinition(t)
	normalized := filepath.Join(t.TempDir(), "normalized.json")

	out, err := execute(t, cfg, "validate", path, "--output", normalized)
	require.NoError(t, err)
	assert.Contains(t, out, `model "routing" is valid (6 nodes)`)
	assert.Contains(t, out, "[fast slow]")

	def, err := definition.ReadFile(normalized)
	require.NoError(t, err)
	assert.Equal(t, "routing", def.Name)
	assert.Len(t, def.Nodes, 6)
}

func TestValidateCmd_Invalid(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: bad\nnodes:\n  - id: s\n    type: nope\n"), 0o600))

	_, err := execute(t, cfg, "validate", path)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestCheckCmd(t *testing.T) {
	cfg := testConfig(t)
	path := writeDefinition(t)

	out, err := execute(t, cfg, "check", path, "s, sp, fast, j, e", "--data", `{"fast": true}`, "--require-complete")
	require.NoError(t, err)
	assert.Contains(t, out, "s, sp, fast, j, e => valid (complete)")

	out, err = execute(t, cfg, "check", path, "s, sp, fast", "s -> sp -> slow", "--data", `{"fast": true}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 traces rejected")
	assert.Contains(t, out, "s -> sp -> slow => invalid:")
}

func TestSimulateAndReplay(t *testing.T) {
	cfg := testConfig(t)
	path := writeDefinition(t)

	out, err := execute(t, cfg, "simulate", path, "--store", "--id", "sim-1", "--data", `{"fast": false}`)
	require.NoError(t, err)
	var res struct {
		InstanceID string   `json:"instance_id"`
		Status     string   `json:"status"`
		Completed  int      `json:"completed"`
		Keys       []string `json:"completed_keys"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "sim-1", res.InstanceID)
	assert.Equal(t, string(schema.InstanceStatusCompleted), res.Status)
	assert.Equal(t, 5, res.Completed)
	assert.Equal(t, []string{"e#1", "j#1", "s#1", "slow#1", "sp#1"}, res.Keys)

	out, err = execute(t, cfg, "replay", "sim-1")
	require.NoError(t, err)
	var snap engine.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, "sim-1", snap.ID)
	assert.Equal(t, schema.InstanceStatusCompleted, snap.Status)

	out, err = execute(t, cfg, "replay", "sim-1", "--events")
	require.NoError(t, err)
	var events []engine.Event
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventInstanceStarted, events[0].Type)

	_, err = execute(t, cfg, "replay", "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestSimulateCmd_DeadlineCancelsInstance(t *testing.T) {
	cfg := testConfig(t)
	path := writeDefinition(t)

	out, err := execute(t, cfg, "simulate", path, "--data", `{"fast": true}`, "--deadline", "*=0s", "--metrics")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "cancelled"`)
	assert.Contains(t, out, "procgraph_engine_events_total{")
}

func TestSimulateCmd_DataSchema(t *testing.T) {
	cfg := testConfig(t)
	path := writeDefinition(t)
	dataSchema := `{"type": "object", "required": ["fast"], "properties": {"fast": {"type": "boolean"}}}`

	_, err := execute(t, cfg, "simulate", path, "--data", `{"fast": true}`, "--data-schema", dataSchema)
	require.NoError(t, err)

	_, err = execute(t, cfg, "simulate", path, "--data", `{"fast": "yes"}`, "--data-schema", dataSchema)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestListAndDeleteCmds(t *testing.T) {
	cfg := testConfig(t)
	path := writeDefinition(t)

	_, err := execute(t, cfg, "simulate", path, "--store", "--id", "sim-a", "--data", `{"fast": true}`)
	require.NoError(t, err)

	out, err := execute(t, cfg, "list", "--status", "completed")
	require.NoError(t, err)
	var instances []store.InstanceRecord
	require.NoError(t, json.Unmarshal([]byte(out), &instances))
	require.Len(t, instances, 1)
	assert.Equal(t, "sim-a", instances[0].ID)
	assert.Equal(t, schema.InstanceStatusCompleted, instances[0].Status)

	out, err = execute(t, cfg, "list", "--status", "active")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)

	out, err = execute(t, cfg, "list", "--models")
	require.NoError(t, err)
	var models []modelSummary
	require.NoError(t, json.Unmarshal([]byte(out), &models))
	require.Len(t, models, 1)
	assert.Equal(t, "routing", models[0].Name)
	assert.Equal(t, 6, models[0].Nodes)

	_, err = execute(t, cfg, "list", "--status", "sleeping")
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	out, err = execute(t, cfg, "delete", "sim-a", "--vacuum")
	require.NoError(t, err)
	assert.Equal(t, "deleted sim-a\n", out)

	_, err = execute(t, cfg, "delete", "sim-a")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	_, err = execute(t, cfg, "replay", "sim-a")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestSimulateCmd_Follow(t *testing.T) {
	cfg := testConfig(t)
	path := writeDefinition(t)

	var out, errOut bytes.Buffer
	cmd := newRootCmd(cfg)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"simulate", path, "--data", `{"fast": true}`, "--follow"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var events []streaming.StreamEvent
	dec := json.NewDecoder(&errOut)
	for dec.More() {
		var ev streaming.StreamEvent
		require.NoError(t, dec.Decode(&ev))
		events = append(events, ev)
	}
	require.Len(t, events, 6)
	assert.Equal(t, schema.EventInstanceStarted, events[0].Event.Type)
	last := events[len(events)-1]
	assert.Equal(t, schema.InstanceStatusCompleted, last.Status)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Event.Sequence)
		assert.NotEmpty(t, ev.InstanceID)
	}
}

func TestDiagramCmd(t *testing.T) {
	cfg := testConfig(t)
	path := writeDefinition(t)

	out, err := execute(t, cfg, "diagram", path)
	require.NoError(t, err)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, `sp -->|"data.fast == true"| fast`)

	_, err = execute(t, cfg, "simulate", path, "--store", "--id", "sim-2", "--data", `{"fast": true}`, "--max-rounds", "2")
	require.NoError(t, err)
	out, err = execute(t, cfg, "diagram", "--instance", "sim-2", "--format", "ascii")
	require.NoError(t, err)
	assert.Contains(t, out, "=== routing ===")
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "[RUN]")

	_, err = execute(t, cfg, "diagram")
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	_, err = execute(t, cfg, "diagram", path, "--format", "gif")
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, testConfig(t), "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestParseDeadline(t *testing.T) {
	tests := []struct {
		arg     string
		want    string
		after   time.Duration
		cron    string
		wantErr bool
	}{
		{arg: "review#2=30s", want: "review#2", after: 30 * time.Second},
		{arg: "review=1m", want: "review#1", after: time.Minute},
		{arg: "*=@hourly", cron: "@hourly"},
		{arg: "*=0 9 * * *", cron: "0 9 * * *"},
		{arg: "review", wantErr: true},
		{arg: "bad id=1s", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			d, err := parseDeadline(tt.arg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.want == "" {
				assert.True(t, d.Key.IsZero())
			} else {
				assert.Equal(t, tt.want, d.Key.String())
			}
			assert.Equal(t, tt.after, d.After)
			assert.Equal(t, tt.cron, d.Cron)
		})
	}
}

func TestParseData(t *testing.T) {
	data, err := parseData(`{"amount": 1200}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"amount": float64(1200)}, data)

	path := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"fast": true}`), 0o600))
	data, err = parseData("@" + path)
	require.NoError(t, err)
	assert.Equal(t, true, data["fast"])

	data, err = parseData("")
	require.NoError(t, err)
	assert.Nil(t, data)

	_, err = parseData("{")
	assert.Error(t, err)
}
