package store

import (
	"context"
	"fmt"
	"time"

	"github.com/vagifmammadli/finalexam/internal/model"
)

// ExportResults builds export-ready results, optionally limited to one subject name.
func (s *Store) ExportResults(ctx context.Context, subject string) (*model.ResultsExport, error) {
	results, err := s.ListResults(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	export := &model.ResultsExport{
		ExportedAt: time.Now().UTC(),
		Subject:    subject,
		Results:    []model.ResultExport{},
	}
	for _, r := range results {
		if subject != "" && r.SubjectName != subject {
			continue
		}
		var answers []model.AnswerExport
		for _, a := range r.Answers {
			answers = append(answers, model.AnswerExport{
				Question:   a.QuestionText,
				Difficulty: a.Difficulty,
				Answer:     a.AnswerText,
				Image:      a.ImagePath,
				Points:     a.Points,
				MaxPoints:  a.MaxPoints,
				Feedback:   a.Feedback,
				Outcome:    a.Outcome,
			})
		}
		export.Results = append(export.Results, model.ResultExport{
			Username:   r.Username,
			Subject:    r.SubjectName,
			ExamDate:   r.ExamDate,
			TotalScore: r.TotalScore,
			MaxScore:   r.MaxScore,
			Answers:    answers,
		})
	}
	return export, nil
}
