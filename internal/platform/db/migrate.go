package db

import "gorm.io/gorm"

// AutoMigrate runs gorm's AutoMigrate against the given models. It is a thin
// pass-through kept in this package so callers don't need to import gorm
// directly just to migrate their own row types.
func AutoMigrate(db *gorm.DB, models ...any) error {
	return db.AutoMigrate(models...)
}

func (s *PostgresService) AutoMigrate(models ...any) error {
	s.log.Info("auto migrating postgres tables")
	if err := AutoMigrate(s.db, models...); err != nil {
		s.log.Error("auto migration failed", "error", err)
		return err
	}
	return nil
}
