package models

import (
	"encoding/json"
	"fmt"
)

// FormRecord is a filled-in form.
type FormRecord struct {
	FormID      string                 `json:"formId,omitempty"`
	Template    string                 `json:"template,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Answers     map[string]interface{} `json:"answers,omitempty"`
	SubmittedBy string                 `json:"submittedBy,omitempty"`
	SubmittedAt int64                  `json:"submittedAt,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// ReferenceList is a shared lookup list (sites, equipment, hazards).
type ReferenceList struct {
	Name    string                 `json:"name,omitempty"`
	Version int                    `json:"version,omitempty"`
	Entries []string               `json:"entries,omitempty"`
	Extra   map[string]interface{} `json:"extra,omitempty"`
}

// TrainingRecord is one person's completion of a course.
type TrainingRecord struct {
	Person      string                 `json:"person,omitempty"`
	Course      string                 `json:"course,omitempty"`
	CompletedOn string                 `json:"completedOn,omitempty"`
	ExpiresOn   string                 `json:"expiresOn,omitempty"`
	Score       float64                `json:"score,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// Payload is a record body tagged with its category.
// Exactly one variant matching Category is set.
type Payload struct {
	Category      Category        `json:"category"`
	Form          *FormRecord     `json:"form,omitempty"`
	ReferenceList *ReferenceList  `json:"reference_list,omitempty"`
	Training      *TrainingRecord `json:"training,omitempty"`
}

// FormPayload wraps a form record.
func FormPayload(f FormRecord) *Payload {
	return &Payload{Category: CategoryForms, Form: &f}
}

// ReferenceListPayload wraps a reference list.
func ReferenceListPayload(l ReferenceList) *Payload {
	return &Payload{Category: CategoryReferenceLists, ReferenceList: &l}
}

// TrainingPayload wraps a training record.
func TrainingPayload(r TrainingRecord) *Payload {
	return &Payload{Category: CategoryTrainingRecords, Training: &r}
}

// Validate checks that the populated variant matches the tag.
func (p *Payload) Validate() error {
	set := 0
	if p.Form != nil {
		set++
	}
	if p.ReferenceList != nil {
		set++
	}
	if p.Training != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("payload must hold exactly one record variant, has %d", set)
	}

	switch p.Category {
	case CategoryForms:
		if p.Form == nil {
			return fmt.Errorf("payload tagged %s holds a different variant", p.Category)
		}
	case CategoryReferenceLists:
		if p.ReferenceList == nil {
			return fmt.Errorf("payload tagged %s holds a different variant", p.Category)
		}
	case CategoryTrainingRecords:
		if p.Training == nil {
			return fmt.Errorf("payload tagged %s holds a different variant", p.Category)
		}
	default:
		return fmt.Errorf("unknown payload category %q", p.Category)
	}
	return nil
}

func (p *Payload) variant() (interface{}, map[string]interface{}) {
	switch p.Category {
	case CategoryForms:
		return p.Form, p.Form.Extra
	case CategoryReferenceLists:
		return p.ReferenceList, p.ReferenceList.Extra
	default:
		return p.Training, p.Training.Extra
	}
}

// Fields flattens the payload into the record body written remotely.
// Extra keys are merged in; typed fields win on collision.
func (p *Payload) Fields() (map[string]interface{}, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	body, extra := p.variant()

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	fields := make(map[string]interface{})
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to flatten payload: %w", err)
	}
	delete(fields, "extra")

	for k, v := range extra {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	return fields, nil
}

// PayloadFromFields builds a tagged payload from a flat record body.
// Keys the variant does not model are kept in Extra.
func PayloadFromFields(category Category, fields map[string]interface{}) (*Payload, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}

	p := &Payload{Category: category}
	var target interface{}
	switch category {
	case CategoryForms:
		p.Form = &FormRecord{}
		target = p.Form
	case CategoryReferenceLists:
		p.ReferenceList = &ReferenceList{}
		target = p.ReferenceList
	case CategoryTrainingRecords:
		p.Training = &TrainingRecord{}
		target = p.Training
	default:
		return nil, fmt.Errorf("unknown payload category %q", category)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("fields do not fit %s record: %w", category, err)
	}

	known, err := p.Fields()
	if err != nil {
		return nil, err
	}
	var extra map[string]interface{}
	for k, v := range fields {
		if _, ok := known[k]; ok || k == "extra" {
			continue
		}
		if extra == nil {
			extra = make(map[string]interface{})
		}
		extra[k] = v
	}

	switch category {
	case CategoryForms:
		p.Form.Extra = extra
	case CategoryReferenceLists:
		p.ReferenceList.Extra = extra
	case CategoryTrainingRecords:
		p.Training.Extra = extra
	}
	return p, nil
}
