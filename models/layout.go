package models

import "fmt"

// LayoutMode selects how the call grid is arranged.
type LayoutMode string

const (
	LayoutGrid  LayoutMode = "grid"
	LayoutFocus LayoutMode = "focus"
)

// GridShape is the column/row count of a CSS-grid style arrangement.
type GridShape struct {
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
}

// TemplateColumns renders the shape as a grid-template-columns value.
func (g GridShape) TemplateColumns() string {
	if g.Columns <= 0 {
		return "none"
	}
	return fmt.Sprintf("repeat(%d, minmax(0, 1fr))", g.Columns)
}

// Cell places one participant on the grid. Row and Column are zero-based.
type Cell struct {
	ParticipantID string `json:"participant_id"`
	Row           int    `json:"row"`
	Column        int    `json:"column"`
	RowSpan       int    `json:"row_span"`
	ColSpan       int    `json:"col_span"`
	Dominant      bool   `json:"dominant"`
}

// LayoutDecision is derived from the roster on every change; it is never stored.
type LayoutDecision struct {
	Mode               LayoutMode `json:"mode"`
	Arrangement        []string   `json:"arrangement"`
	Grid               GridShape  `json:"grid"`
	FocusParticipantID string     `json:"focus_participant_id,omitempty"`
	Cells              []Cell     `json:"cells"`
}
