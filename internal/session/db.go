package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vagifmammadli/finalexam/internal/model"
)

// DBStore keeps sessions in the application database.
type DBStore struct {
	db *gorm.DB
}

// NewDBStore migrates the sessions table.
func NewDBStore(db *gorm.DB) (*DBStore, error) {
	if err := db.AutoMigrate(&model.Session{}); err != nil {
		return nil, fmt.Errorf("migrate sessions: %w", err)
	}
	return &DBStore{db: db}, nil
}

func (s *DBStore) Get(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *DBStore) Save(ctx context.Context, sess *model.Session) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(sess).Error
}

func (s *DBStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&model.Session{}, "id = ?", id).Error
}

func (s *DBStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", now.UTC()).Delete(&model.Session{})
	return res.RowsAffected, res.Error
}
