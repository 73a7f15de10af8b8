package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/vagifmammadli/finalexam/internal/model"
)

// ImportStatus describes what ImportQuestionFile did with a file.
type ImportStatus int

const (
	ImportApplied   ImportStatus = iota
	ImportUnchanged              // same hash as the last import
	ImportChanged                // file differs from the last import; not re-applied
)

// ImportReport summarizes one question file import.
type ImportReport struct {
	Status   ImportStatus
	Imported int
	Hash     string
}

// ParseQuestions decodes a JSON array of questions and validates every entry.
func ParseQuestions(data []byte) ([]model.QuestionImport, error) {
	var items []model.QuestionImport
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse questions: %w", err)
	}
	if len(items) == 0 {
		return nil, errors.New("no questions in file")
	}
	for i := range items {
		it := &items[i]
		it.Subject = strings.TrimSpace(it.Subject)
		it.Text = strings.TrimSpace(it.Text)
		if it.Subject == "" {
			return nil, fmt.Errorf("question %d: subject is empty", i+1)
		}
		if it.Text == "" {
			return nil, fmt.Errorf("question %d: text is empty", i+1)
		}
		d, ok := model.ParseDifficulty(it.Difficulty)
		if !ok {
			return nil, fmt.Errorf("question %d: unknown difficulty %q", i+1, it.Difficulty)
		}
		it.Difficulty = string(d)
	}
	return items, nil
}

// ImportQuestions stores all items in one transaction, creating subjects on demand.
func (s *Store) ImportQuestions(ctx context.Context, items []model.QuestionImport) (int, error) {
	n := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subjects := make(map[string]uint)
		for _, it := range items {
			id, ok := subjects[it.Subject]
			if !ok {
				var subj model.Subject
				if err := tx.Where(model.Subject{Name: it.Subject}).FirstOrCreate(&subj).Error; err != nil {
					return fmt.Errorf("subject %q: %w", it.Subject, err)
				}
				id = subj.ID
				subjects[it.Subject] = id
			}
			d, ok := model.ParseDifficulty(it.Difficulty)
			if !ok {
				return fmt.Errorf("unknown difficulty %q", it.Difficulty)
			}
			q := model.Question{SubjectID: id, Text: it.Text, Difficulty: d}
			if err := tx.Create(&q).Error; err != nil {
				return fmt.Errorf("insert question: %w", err)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ImportQuestionFile imports a question file identified by name unless a file
// with that name was imported before. Changed files are reported, not re-applied,
// so existing questions are never duplicated.
func (s *Store) ImportQuestionFile(ctx context.Context, name string, data []byte) (ImportReport, error) {
	hash := sha256Hex(data)
	report := ImportReport{Hash: hash}

	stored, err := s.GetImportedFileHash(ctx, name)
	if err != nil {
		return report, fmt.Errorf("check hash for %s: %w", name, err)
	}
	switch {
	case stored == hash:
		report.Status = ImportUnchanged
		return report, nil
	case stored != "":
		report.Status = ImportChanged
		return report, nil
	}

	items, err := ParseQuestions(data)
	if err != nil {
		return report, fmt.Errorf("%s: %w", name, err)
	}
	n, err := s.ImportQuestions(ctx, items)
	if err != nil {
		return report, fmt.Errorf("%s: %w", name, err)
	}
	if err := s.SetImportedFileHash(ctx, name, hash); err != nil {
		return report, fmt.Errorf("save hash for %s: %w", name, err)
	}
	report.Status = ImportApplied
	report.Imported = n
	return report, nil
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
