// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCategory_Valid verifies category membership.
func TestCategory_Valid(t *testing.T) {
	for _, c := range Categories {
		assert.True(t, c.Valid(), c)
	}
	assert.False(t, Category("photos").Valid())
}

// TestOperationKind verifies kind predicates.
func TestOperationKind(t *testing.T) {
	assert.True(t, KindReplace.IsUpdate())
	assert.True(t, KindMergeUpdate.IsUpdate())
	assert.False(t, KindCreate.IsUpdate())
	assert.False(t, KindDelete.NeedsPayload())
	assert.True(t, KindCreate.NeedsPayload())
	assert.False(t, OperationKind("upsert").Valid())
}

// TestPayload_Fields verifies flattening and extra-key merging.
func TestPayload_Fields(t *testing.T) {
	p := FormPayload(FormRecord{
		Status: "submitted",
		Extra:  map[string]interface{}{"status": "ignored", "site": "north"},
	})

	fields, err := p.Fields()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"status": "submitted", "site": "north"}, fields)
}

// TestPayload_Validate verifies tag/variant agreement.
func TestPayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		p       *Payload
		wantErr bool
	}{
		{"form", FormPayload(FormRecord{FormID: "f"}), false},
		{"list", ReferenceListPayload(ReferenceList{Name: "sites"}), false},
		{"training", TrainingPayload(TrainingRecord{Person: "p"}), false},
		{"empty", &Payload{Category: CategoryForms}, true},
		{"mismatch", &Payload{Category: CategoryForms, Training: &TrainingRecord{}}, true},
		{"two variants", &Payload{Category: CategoryForms, Form: &FormRecord{}, Training: &TrainingRecord{}}, true},
		{"unknown tag", &Payload{Category: "x", Form: &FormRecord{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestPayloadFromFields verifies unknown keys land in Extra and round-trip.
func TestPayloadFromFields(t *testing.T) {
	in := map[string]interface{}{"person": "ana", "course": "first-aid", "badge": "gold"}

	p, err := PayloadFromFields(CategoryTrainingRecords, in)
	require.NoError(t, err)
	require.NotNil(t, p.Training)
	assert.Equal(t, "ana", p.Training.Person)
	assert.Equal(t, map[string]interface{}{"badge": "gold"}, p.Training.Extra)

	out, err := p.Fields()
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = PayloadFromFields("unknown", in)
	assert.Error(t, err)
}

// TestPayload_JSON verifies the tagged wire form.
func TestPayload_JSON(t *testing.T) {
	raw, err := json.Marshal(ReferenceListPayload(ReferenceList{Name: "sites", Entries: []string{"a"}}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"category":"reference_lists","reference_list":{"name":"sites","entries":["a"]}}`, string(raw))
}

// TestSyncOperation_Validate verifies queue admission rules.
func TestSyncOperation_Validate(t *testing.T) {
	ok := SyncOperation{Category: CategoryForms, Kind: KindMergeUpdate, Path: "forms/form-42", Payload: FormPayload(FormRecord{Status: "submitted"})}
	assert.NoError(t, ok.Validate())

	del := SyncOperation{Category: CategoryForms, Kind: KindDelete, Path: "forms/form-42"}
	assert.NoError(t, del.Validate())

	noPath := ok
	noPath.Path = " "
	assert.Error(t, noPath.Validate())

	noPayload := ok
	noPayload.Payload = nil
	assert.Error(t, noPayload.Validate())

	wrongCat := ok
	wrongCat.Payload = TrainingPayload(TrainingRecord{})
	assert.Error(t, wrongCat.Validate())
}

// TestSyncOperation_Due verifies scheduling predicates.
func TestSyncOperation_Due(t *testing.T) {
	now := time.UnixMilli(10_000)
	op := SyncOperation{NextAttemptAt: 10_000}
	assert.True(t, op.Due(now))
	op.NextAttemptAt = 10_001
	assert.False(t, op.Due(now))

	op.Terminal = &Failure{Error: "x", FailedAt: 5}
	c := op.Clone()
	c.Terminal.Error = "changed"
	assert.Equal(t, "x", op.Terminal.Error)
	assert.True(t, op.IsTerminal())
}

// TestRecordFromFields verifies stamp extraction from decoded JSON.
func TestRecordFromFields(t *testing.T) {
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(`{"status":"open","_modified":1700000000123,"_modifiedBy":"dev_a"}`), &data))

	r := RecordFromFields("forms/f1", data)
	assert.Equal(t, int64(1700000000123), r.ModifiedAt)
	assert.Equal(t, "dev_a", r.ModifiedBy)

	empty := RecordFromFields("forms/f2", map[string]interface{}{})
	assert.Zero(t, empty.ModifiedAt)
}

// TestStampCreated verifies injected metadata fields.
func TestStampCreated(t *testing.T) {
	at := time.UnixMilli(42)
	data := map[string]interface{}{}
	StampCreated(data, at, "dev_x")

	assert.Equal(t, int64(42), data[FieldCreated])
	assert.Equal(t, "dev_x", data[FieldCreatedBy])
	assert.Equal(t, int64(42), data[FieldModified])
	assert.Equal(t, "dev_x", data[FieldModifiedBy])
}

// TestAssetMetadata_Properties verifies flattening for upload properties.
func TestAssetMetadata_Properties(t *testing.T) {
	m := &AssetMetadata{
		Category:            CategoryTrainingRecords,
		TrainingCertificate: &TrainingCertificate{Person: "ana", Course: "ladder"},
		Labels:              map[string]string{"site": "north"},
	}
	assert.Equal(t, map[string]string{
		"category": "training_records",
		"person":   "ana",
		"course":   "ladder",
		"site":     "north",
	}, m.Properties())

	var nilMeta *AssetMetadata
	assert.Empty(t, nilMeta.Properties())
}

// TestSyncStatus_Clone verifies the clone does not alias the drain timestamp.
func TestSyncStatus_Clone(t *testing.T) {
	at := time.Unix(100, 0)
	s := SyncStatus{LastSuccessfulDrain: &at}
	c := s.Clone()
	*c.LastSuccessfulDrain = time.Unix(200, 0)
	assert.Equal(t, time.Unix(100, 0), *s.LastSuccessfulDrain)
}
