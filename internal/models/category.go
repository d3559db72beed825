// Package models provides the data model shared by the sync pipelines.
package models

// Category identifies the resource family a record or asset belongs to.
type Category string

const (
	CategoryForms           Category = "forms"
	CategoryReferenceLists  Category = "reference_lists"
	CategoryTrainingRecords Category = "training_records"
)

// Categories lists every known category.
var Categories = []Category{CategoryForms, CategoryReferenceLists, CategoryTrainingRecords}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryForms, CategoryReferenceLists, CategoryTrainingRecords:
		return true
	}
	return false
}

// OperationKind is the remote primitive a queued operation maps to.
type OperationKind string

const (
	KindCreate      OperationKind = "create"
	KindReplace     OperationKind = "replace"
	KindMergeUpdate OperationKind = "merge_update"
	KindDelete      OperationKind = "delete"
)

// Valid reports whether k is a known kind.
func (k OperationKind) Valid() bool {
	switch k {
	case KindCreate, KindReplace, KindMergeUpdate, KindDelete:
		return true
	}
	return false
}

// IsUpdate reports whether k overwrites or patches an existing record.
func (k OperationKind) IsUpdate() bool {
	return k == KindReplace || k == KindMergeUpdate
}

// NeedsPayload reports whether operations of kind k carry a record body.
func (k OperationKind) NeedsPayload() bool {
	return k != KindDelete
}
