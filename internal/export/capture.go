package export

import "time"

// MimeType is the content type of the exported workbook.
const MimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Table is one domain's buffered rows. Header and every row have the same
// width. Numeric cells hold int or float64 values.
type Table struct {
	Suffix string
	Header []string
	Rows   [][]any
}

// Capture is everything a finished session hands to the exporter.
type Capture struct {
	SessionID string
	Ticks     []time.Time
	Ended     time.Time
	Tables    []Table
}

// Handle identifies an artifact that has been created but not finalized.
type Handle struct {
	ID           int64
	Name         string
	MimeType     string
	RelativePath string
}

// Artifact is a finalized, visible export.
type Artifact struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	RelativePath string    `json:"relative_path"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}
