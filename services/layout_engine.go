package services

import "github.com/akinalp/collab/models"

// GridShapeFor returns the grid used for count participants.
//
//	0 → 0×0, 1 → 1×1, 2 → 2×1, 3-4 → 2×2, 5-6 → 3×2, 7+ → 4 columns, wrapping
func GridShapeFor(count int) models.GridShape {
	switch {
	case count <= 0:
		return models.GridShape{}
	case count == 1:
		return models.GridShape{Columns: 1, Rows: 1}
	case count == 2:
		return models.GridShape{Columns: 2, Rows: 1}
	case count <= 4:
		return models.GridShape{Columns: 2, Rows: 2}
	case count <= 6:
		return models.GridShape{Columns: 3, Rows: 2}
	default:
		return models.GridShape{Columns: 4, Rows: (count + 3) / 4}
	}
}

// ComputeLayout derives the arrangement for a roster. It never mutates
// participants.
//
// Focus mode needs a pinned participant who is still in the roster; without
// one it falls back to the grid.
func ComputeLayout(participants []models.Participant, pinnedID string, mode models.LayoutMode) models.LayoutDecision {
	if mode == models.LayoutFocus && pinnedID != "" {
		for _, p := range participants {
			if p.ParticipantID == pinnedID {
				return focusLayout(participants, pinnedID)
			}
		}
	}
	return gridLayout(participants)
}

func gridLayout(participants []models.Participant) models.LayoutDecision {
	shape := GridShapeFor(len(participants))
	decision := models.LayoutDecision{
		Mode:        models.LayoutGrid,
		Arrangement: make([]string, 0, len(participants)),
		Grid:        shape,
		Cells:       make([]models.Cell, 0, len(participants)),
	}

	for i, p := range participants {
		decision.Arrangement = append(decision.Arrangement, p.ParticipantID)
		decision.Cells = append(decision.Cells, models.Cell{
			ParticipantID: p.ParticipantID,
			Row:           i / shape.Columns,
			Column:        i % shape.Columns,
			RowSpan:       1,
			ColSpan:       1,
		})
	}
	return decision
}

// focusLayout puts the pinned participant in a dominant cell spanning the
// top row and the rest in a one-row strip beneath it.
func focusLayout(participants []models.Participant, pinnedID string) models.LayoutDecision {
	others := make([]string, 0, len(participants)-1)
	for _, p := range participants {
		if p.ParticipantID != pinnedID {
			others = append(others, p.ParticipantID)
		}
	}

	shape := models.GridShape{Columns: 1, Rows: 1}
	if len(others) > 0 {
		shape = models.GridShape{Columns: len(others), Rows: 2}
	}

	decision := models.LayoutDecision{
		Mode:               models.LayoutFocus,
		Arrangement:        append([]string{pinnedID}, others...),
		Grid:               shape,
		FocusParticipantID: pinnedID,
		Cells:              make([]models.Cell, 0, len(participants)),
	}

	decision.Cells = append(decision.Cells, models.Cell{
		ParticipantID: pinnedID,
		RowSpan:       1,
		ColSpan:       shape.Columns,
		Dominant:      true,
	})
	for i, id := range others {
		decision.Cells = append(decision.Cells, models.Cell{
			ParticipantID: id,
			Row:           1,
			Column:        i,
			RowSpan:       1,
			ColSpan:       1,
		})
	}
	return decision
}
