package sqlstore

import (
	"context"

	"gorm.io/gorm/clause"

	"github.com/stake-plus/govvote/src/voting"
)

// LoadSettings reads every row of the settings table.
func (s *Store) LoadSettings(ctx context.Context) (map[string]string, error) {
	var settings []Setting
	if err := s.db.WithContext(ctx).Find(&settings).Error; err != nil {
		return nil, voting.Unavailable("load settings", err)
	}
	out := make(map[string]string, len(settings))
	for _, setting := range settings {
		out[setting.Name] = setting.Value
	}
	return out, nil
}

// PutSetting inserts or replaces one setting.
func (s *Store) PutSetting(ctx context.Context, name, value string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&Setting{Name: name, Value: value}).Error
	return voting.Unavailable("put setting", err)
}
