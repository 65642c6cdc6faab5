package domain

import "time"

// Curation carries the curatable status flags shared by experiments and array designs.
type Curation struct {
	Troubled       bool       `json:"troubled"`
	TroubleReason  string     `json:"trouble_reason,omitempty"`
	NeedsAttention bool       `json:"needs_attention"`
	AttentionNote  string     `json:"attention_note,omitempty"`
	LastNote       string     `json:"last_note,omitempty"`
	LastUpdated    *time.Time `json:"last_updated,omitempty"`
}

// CurationAction enumerates the supported curation transitions.
type CurationAction string

// Curation transitions applied through Service.Curate.
const (
	CurationMarkTroubled        CurationAction = "mark_troubled"
	CurationClearTroubled       CurationAction = "clear_troubled"
	CurationMarkNeedsAttention  CurationAction = "mark_needs_attention"
	CurationClearNeedsAttention CurationAction = "clear_needs_attention"
	CurationAddNote             CurationAction = "add_note"
)

// Valid reports whether a is a known curation transition.
func (a CurationAction) Valid() bool {
	switch a {
	case CurationMarkTroubled, CurationClearTroubled, CurationMarkNeedsAttention, CurationClearNeedsAttention, CurationAddNote:
		return true
	}
	return false
}

// Apply mutates c according to the action. Marking troubled requires a reason.
func (c *Curation) Apply(action CurationAction, note string, at time.Time) error {
	switch action {
	case CurationMarkTroubled:
		if note == "" {
			return ValidationError{Field: "note", Message: "a reason is required to mark an entity troubled"}
		}
		c.Troubled = true
		c.TroubleReason = note
	case CurationClearTroubled:
		c.Troubled = false
		c.TroubleReason = ""
	case CurationMarkNeedsAttention:
		c.NeedsAttention = true
		c.AttentionNote = note
	case CurationClearNeedsAttention:
		c.NeedsAttention = false
		c.AttentionNote = ""
	case CurationAddNote:
		if note == "" {
			return ValidationError{Field: "note", Message: "note must not be empty"}
		}
	default:
		return ValidationError{Field: "action", Message: "unknown curation action " + string(action)}
	}
	if note != "" {
		c.LastNote = note
	}
	ts := at
	c.LastUpdated = &ts
	return nil
}

// AuditEvent records a committed change to an auditable entity.
type AuditEvent struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Action     Action     `json:"action"`
	Performer  string     `json:"performer,omitempty"`
	Note       string     `json:"note,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}
