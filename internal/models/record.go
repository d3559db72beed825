package models

import "time"

// Metadata fields injected into every record written by the engine.
const (
	FieldModified   = "_modified"
	FieldModifiedBy = "_modifiedBy"
	FieldCreated    = "_created"
	FieldCreatedBy  = "_createdBy"
)

// RemoteRecord is the server-observable shape of a synced resource.
type RemoteRecord struct {
	Path       string                 `json:"path"`
	Data       map[string]interface{} `json:"data"`
	ModifiedAt int64                  `json:"modified_at"`
	ModifiedBy string                 `json:"modified_by"`
}

// RecordFromFields extracts the modification stamp from a raw record body.
func RecordFromFields(path string, data map[string]interface{}) *RemoteRecord {
	r := &RemoteRecord{Path: path, Data: data}
	r.ModifiedAt = stampOf(data[FieldModified])
	if by, ok := data[FieldModifiedBy].(string); ok {
		r.ModifiedBy = by
	}
	return r
}

// ModifiedTime returns ModifiedAt as time.Time.
func (r *RemoteRecord) ModifiedTime() time.Time {
	return time.UnixMilli(r.ModifiedAt)
}

// stampOf reads a millisecond stamp decoded from JSON or set in memory.
func stampOf(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return i
	}
	return 0
}

// Stamp writes the modification fields into data.
func Stamp(data map[string]interface{}, at time.Time, deviceID string) {
	data[FieldModified] = at.UnixMilli()
	data[FieldModifiedBy] = deviceID
}

// StampCreated writes the creation and modification fields into data.
func StampCreated(data map[string]interface{}, at time.Time, deviceID string) {
	data[FieldCreated] = at.UnixMilli()
	data[FieldCreatedBy] = deviceID
	Stamp(data, at, deviceID)
}
