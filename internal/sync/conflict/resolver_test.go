package conflict

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avitran/tripsync/internal/models"
)

type fakeRetrier struct {
	calls []retryCall
}

type retryCall struct {
	id            models.UUID
	payload       json.RawMessage
	clientVersion int64
}

func (f *fakeRetrier) Retry(ctx context.Context, id models.UUID, payload json.RawMessage, clientVersion int64) error {
	f.calls = append(f.calls, retryCall{id: id, payload: payload, clientVersion: clientVersion})
	return nil
}

func TestManualPolicyLeavesOperationParked(t *testing.T) {
	q := &fakeRetrier{}
	r := New(PolicyManual, q)

	op := &models.PendingOperation{ID: "op-1", EntityType: models.EntityTrip, EntityID: "t1"}
	resolution, err := r.Resolve(context.Background(), op, 4)
	require.NoError(t, err)
	assert.Equal(t, PolicyManual, resolution)
	assert.Empty(t, q.calls)
}

func TestLastWriteWinsReplaysLocalPayload(t *testing.T) {
	q := &fakeRetrier{}
	r := New(PolicyLastWriteWins, q)

	payload := json.RawMessage(`{"note":"mine"}`)
	op := &models.PendingOperation{ID: "op-1", EntityType: models.EntityTrip, EntityID: "t1", Payload: payload}
	resolution, err := r.Resolve(context.Background(), op, 4)
	require.NoError(t, err)
	assert.Equal(t, PolicyLastWriteWins, resolution)

	require.Len(t, q.calls, 1)
	assert.Equal(t, models.UUID("op-1"), q.calls[0].id)
	assert.Equal(t, int64(4), q.calls[0].clientVersion, "replay adopts the server version")
	assert.JSONEq(t, `{"note":"mine"}`, string(q.calls[0].payload))
}

func TestUnknownPolicyFallsBackToManual(t *testing.T) {
	r := New(Policy("coin-flip"), &fakeRetrier{})
	assert.Equal(t, PolicyManual, r.Policy())
}
