package continuum

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/arqonbus/internal/commands"
	"github.com/arqonbus/arqonbus/internal/protocol"
	"github.com/arqonbus/arqonbus/internal/routing"
	"github.com/arqonbus/arqonbus/internal/storage"
)

func event(eventID, episodeID string, ts time.Time) storage.ProjectionEvent {
	return storage.ProjectionEvent{
		TenantID:  "tenant-a",
		AgentID:   "agent-1",
		EpisodeID: episodeID,
		EventID:   eventID,
		EventType: "episode.updated",
		SourceTS:  ts,
		Payload: map[string]interface{}{
			"summary": "episode " + episodeID,
		},
	}
}

func TestProjectEventStatuses(t *testing.T) {
	p := NewMemoryProjector()
	ctx := context.Background()
	now := time.Now().UTC()

	status, err := p.ProjectEvent(ctx, event("evt_1", "ep_1", now))
	require.NoError(t, err)
	assert.Equal(t, StatusProjected, status)

	// Same event id again is a duplicate, not a second projection.
	status, err = p.ProjectEvent(ctx, event("evt_1", "ep_1", now))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, status)

	// An older event for the same episode is stale.
	status, err = p.ProjectEvent(ctx, event("evt_0", "ep_1", now.Add(-time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, StatusStaleRejected, status)

	st, err := p.ProjectorStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.ProjectionCount)
	assert.Equal(t, int64(2), st.SeenEventCount)
}

func TestDeletedEpisodeFlag(t *testing.T) {
	p := NewMemoryProjector()
	ctx := context.Background()

	ev := event("evt_del", "ep_gone", time.Now().UTC())
	ev.EventType = "episode.deleted"
	_, err := p.ProjectEvent(ctx, ev)
	require.NoError(t, err)

	row, found, err := p.ProjectorGet(ctx, "tenant-a", "agent-1", "ep_gone")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, true, row["deleted"])
}

func TestListFiltersAndOrder(t *testing.T) {
	p := NewMemoryProjector()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := p.ProjectEvent(ctx, event("evt_a", "ep_a", now))
	require.NoError(t, err)
	other := event("evt_b", "ep_b", now)
	other.TenantID = "tenant-b"
	_, err = p.ProjectEvent(ctx, other)
	require.NoError(t, err)

	rows, err := p.ProjectorList(ctx, "tenant-a", "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "ep_a", rows[0]["episode_id"])

	rows, err = p.ProjectorList(ctx, "", "", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestDLQLifecycle(t *testing.T) {
	p := NewMemoryProjector()
	ctx := context.Background()

	ev := event("evt_dlq", "ep_dlq", time.Now().UTC())
	dlqID, err := p.ProjectorDLQPush(ctx, "projection_failed:boom", ev)
	require.NoError(t, err)
	assert.Contains(t, dlqID, "dlq_evt_dlq_")

	items, err := p.ProjectorDLQList(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "projection_failed:boom", items[0]["reason"])

	got, found, err := p.ProjectorDLQGet(ctx, dlqID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "evt_dlq", got.EventID)

	require.NoError(t, p.ProjectorDLQRemove(ctx, dlqID))
	items, err = p.ProjectorDLQList(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestEventsBetweenWindow(t *testing.T) {
	p := NewMemoryProjector()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 4; i++ {
		_, err := p.ProjectEvent(ctx, event("evt_"+string(rune('a'+i)), "ep_w", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	events, err := p.ProjectorEventsBetween(ctx, base.Add(time.Minute), base.Add(2*time.Minute), "", "")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func projectorClient(t *testing.T, role string) *routing.ClientInfo {
	t.Helper()
	r := routing.NewRegistry()
	meta := map[string]interface{}{}
	if role != "" {
		meta["role"] = role
	}
	client, err := r.Register(protocol.GenerateClientID(), meta, nil)
	require.NoError(t, err)
	return client
}

func runProjectorCommand(t *testing.T, registry *commands.Registry, client *routing.ClientInfo,
	name string, args map[string]interface{}) (map[string]interface{}, *commands.Error) {
	t.Helper()
	env := protocol.NewEnvelope(protocol.TypeCommand, client.ID)
	env.Command = name
	env.Args = args
	return registry.Execute(context.Background(), client, env)
}

func TestProjectorCommandsRequireAdmin(t *testing.T) {
	registry := commands.NewRegistry()
	RegisterCommands(registry, NewMemoryProjector())
	regular := projectorClient(t, "")

	_, cmdErr := runProjectorCommand(t, registry, regular, "op.continuum.projector.status", nil)
	require.NotNil(t, cmdErr)
	assert.Equal(t, commands.CodeAuthorization, cmdErr.Code)
}

func TestProjectEventCommandRoundTrip(t *testing.T) {
	registry := commands.NewRegistry()
	RegisterCommands(registry, NewMemoryProjector())
	admin := projectorClient(t, "admin")

	eventArg := map[string]interface{}{
		"tenant_id":  "tenant-a",
		"agent_id":   "agent-1",
		"episode_id": "ep_cmd",
		"event_id":   "evt_cmd",
		"event_type": "episode.updated",
		"source_ts":  time.Now().UTC().Format(time.RFC3339),
		"payload":    map[string]interface{}{"summary": "from command"},
	}

	out, cmdErr := runProjectorCommand(t, registry, admin, "op.continuum.projector.project_event",
		map[string]interface{}{"event": eventArg})
	require.Nil(t, cmdErr)
	assert.Equal(t, StatusProjected, out["status"])

	out, cmdErr = runProjectorCommand(t, registry, admin, "op.continuum.projector.get", map[string]interface{}{
		"tenant_id": "tenant-a", "agent_id": "agent-1", "episode_id": "ep_cmd",
	})
	require.Nil(t, cmdErr)
	assert.Equal(t, true, out["found"])

	out, cmdErr = runProjectorCommand(t, registry, admin, "op.continuum.projector.list", nil)
	require.Nil(t, cmdErr)
	assert.Equal(t, 1, out["count"])
}

func TestProjectEventCommandValidation(t *testing.T) {
	registry := commands.NewRegistry()
	RegisterCommands(registry, NewMemoryProjector())
	admin := projectorClient(t, "admin")

	_, cmdErr := runProjectorCommand(t, registry, admin, "op.continuum.projector.project_event",
		map[string]interface{}{"event": "not-an-object"})
	require.NotNil(t, cmdErr)
	assert.Equal(t, commands.CodeValidation, cmdErr.Code)

	_, cmdErr = runProjectorCommand(t, registry, admin, "op.continuum.projector.backfill",
		map[string]interface{}{"from_ts": "2026-01-02T00:00:00Z", "to_ts": "2026-01-01T00:00:00Z"})
	require.NotNil(t, cmdErr)
	assert.Equal(t, commands.CodeValidation, cmdErr.Code)
}

func TestBackfillReprojectsWindow(t *testing.T) {
	registry := commands.NewRegistry()
	projector := NewMemoryProjector()
	RegisterCommands(registry, projector)
	admin := projectorClient(t, "admin")
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		_, err := projector.ProjectEvent(ctx, event("evt_bf_"+string(rune('a'+i)), "ep_bf", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	out, cmdErr := runProjectorCommand(t, registry, admin, "op.continuum.projector.backfill",
		map[string]interface{}{
			"from_ts": base.Add(-time.Minute).Format(time.RFC3339),
			"to_ts":   base.Add(10 * time.Minute).Format(time.RFC3339),
			"dry_run": true,
		})
	require.Nil(t, cmdErr)
	assert.Equal(t, 3, out["selected_count"])

	// Live backfill re-applies seen events, which report as duplicates.
	out, cmdErr = runProjectorCommand(t, registry, admin, "op.continuum.projector.backfill",
		map[string]interface{}{
			"from_ts": base.Add(-time.Minute).Format(time.RFC3339),
			"to_ts":   base.Add(10 * time.Minute).Format(time.RFC3339),
		})
	require.Nil(t, cmdErr)
	assert.Equal(t, 3, out["duplicates"])
}
