package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/vagifmammadli/finalexam/internal/model"
)

// GetImportedFileHash returns the stored hash of a question file.
// Returns empty string and nil error if the file was never imported.
func (s *Store) GetImportedFileHash(ctx context.Context, path string) (string, error) {
	var f model.ImportedFile
	err := s.db.WithContext(ctx).Where("path = ?", path).Limit(1).Find(&f).Error
	if err != nil {
		return "", err
	}
	return f.Hash, nil
}

// SetImportedFileHash upserts the hash of an imported question file.
func (s *Store) SetImportedFileHash(ctx context.Context, path, hash string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"hash", "imported_at"}),
	}).Create(&model.ImportedFile{
		Path:       path,
		Hash:       hash,
		ImportedAt: time.Now().UTC(),
	}).Error
}
