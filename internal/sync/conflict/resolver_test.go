// Package conflict tests for conflict detection and resolution.
package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func updateOp(base int64) models.SyncOperation {
	return models.SyncOperation{
		ID:        "op_1",
		Category:  models.CategoryForms,
		Kind:      models.KindReplace,
		Path:      "forms/form-7",
		BaseStamp: base,
	}
}

// TestDetect verifies the stamp comparison rules.
func TestDetect(t *testing.T) {
	r := NewResolver(nil)
	local := map[string]interface{}{"status": "closed"}

	tests := []struct {
		name   string
		op     models.SyncOperation
		remote *models.RemoteRecord
		want   bool
	}{
		{"missing remote", updateOp(10), nil, false},
		{"remote older", updateOp(10), &models.RemoteRecord{ModifiedAt: 5}, false},
		{"remote equal", updateOp(10), &models.RemoteRecord{ModifiedAt: 10}, false},
		{"remote newer", updateOp(10), &models.RemoteRecord{ModifiedAt: 11}, true},
		{"create never conflicts", func() models.SyncOperation { o := updateOp(0); o.Kind = models.KindCreate; return o }(), &models.RemoteRecord{ModifiedAt: 99}, false},
		{"delete never conflicts", func() models.SyncOperation { o := updateOp(0); o.Kind = models.KindDelete; return o }(), &models.RemoteRecord{ModifiedAt: 99}, false},
		{"merge update conflicts", func() models.SyncOperation { o := updateOp(1); o.Kind = models.KindMergeUpdate; return o }(), &models.RemoteRecord{ModifiedAt: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := r.Detect(tt.op, local, tt.remote)
			assert.Equal(t, tt.want, ok)
			if ok {
				require.NotNil(t, c)
				assert.Equal(t, tt.op.Path, c.Path)
				assert.Equal(t, local, c.Local)
			}
		})
	}
}

// TestResolve_default verifies a missing policy keeps the remote record.
func TestResolve_default(t *testing.T) {
	r := NewResolver(nil)
	c, _ := r.Detect(updateOp(1), nil, &models.RemoteRecord{ModifiedAt: 2})

	d, err := r.Resolve(context.Background(), nil, c)
	require.NoError(t, err)
	assert.Equal(t, DecisionRemote, d.Kind)
}

// TestResolve_policies verifies each decision kind is honored.
func TestResolve_policies(t *testing.T) {
	r := NewResolver(nil)
	c, _ := r.Detect(updateOp(1), map[string]interface{}{"a": 1}, &models.RemoteRecord{ModifiedAt: 2})
	ctx := context.Background()

	d, err := r.Resolve(ctx, KeepLocal, c)
	require.NoError(t, err)
	assert.Equal(t, Decision{Kind: DecisionLocal}, d)

	merged := map[string]interface{}{"a": 1, "b": 2}
	d, err = r.Resolve(ctx, func(_ context.Context, got Conflict) Decision {
		assert.Equal(t, int64(2), got.Remote.ModifiedAt)
		return Merge(merged)
	}, c)
	require.NoError(t, err)
	assert.Equal(t, DecisionMerged, d.Kind)
	assert.Equal(t, merged, d.Merged)

	// Local decisions never carry a record.
	d, err = r.Resolve(ctx, func(context.Context, Conflict) Decision {
		return Decision{Kind: DecisionLocal, Merged: merged}
	}, c)
	require.NoError(t, err)
	assert.Nil(t, d.Merged)
}

// TestResolve_invalid verifies bad policies fall back to remote.
func TestResolve_invalid(t *testing.T) {
	r := NewResolver(nil)
	c, _ := r.Detect(updateOp(1), nil, &models.RemoteRecord{ModifiedAt: 2})
	ctx := context.Background()

	tests := []struct {
		name   string
		policy Policy
	}{
		{"merged without record", func(context.Context, Conflict) Decision { return Decision{Kind: DecisionMerged} }},
		{"unknown kind", func(context.Context, Conflict) Decision { return Decision{Kind: "both"} }},
		{"panic", func(context.Context, Conflict) Decision { panic("boom") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := r.Resolve(ctx, tt.policy, c)
			assert.Error(t, err)
			assert.True(t, IsConflictError(err))
			assert.Equal(t, DecisionRemote, d.Kind)
		})
	}

	_, err := r.Resolve(ctx, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConflict)
}

// TestEvent verifies the observer notification fields.
func TestEvent(t *testing.T) {
	r := NewResolver(nil)
	r.SetClock(func() time.Time { return time.UnixMilli(500) })
	c, ok := r.Detect(updateOp(100), nil, &models.RemoteRecord{ModifiedAt: 200, ModifiedBy: "dev_other"})
	require.True(t, ok)

	ev := Event(c, Decision{Kind: DecisionRemote})
	assert.Equal(t, models.ConflictEvent{
		OperationID: "op_1",
		Path:        "forms/form-7",
		Category:    models.CategoryForms,
		LocalStamp:  100,
		RemoteStamp: 200,
		RemoteBy:    "dev_other",
		Decision:    "remote",
		DetectedAt:  500,
	}, ev)
}
