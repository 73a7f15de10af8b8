package model

import "time"

// ResultsExport is the top-level JSON structure for result export.
type ResultsExport struct {
	ExportedAt time.Time      `json:"exported_at"`
	Subject    string         `json:"subject,omitempty"`
	Results    []ResultExport `json:"results"`
}

// ResultExport holds one finalized attempt for export.
type ResultExport struct {
	Username   string         `json:"username"`
	Subject    string         `json:"subject"`
	ExamDate   time.Time      `json:"exam_date"`
	TotalScore int            `json:"total_score"`
	MaxScore   int            `json:"max_score"`
	Answers    []AnswerExport `json:"answers"`
}

// AnswerExport holds per-question data for export.
type AnswerExport struct {
	Question   string     `json:"question"`
	Difficulty Difficulty `json:"difficulty"`
	Answer     string     `json:"answer"`
	Image      string     `json:"image,omitempty"`
	Points     int        `json:"points"`
	MaxPoints  int        `json:"max_points"`
	Feedback   string     `json:"feedback"`
	Outcome    Outcome    `json:"outcome"`
}
