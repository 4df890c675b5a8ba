package models

// All lists every persisted model for migration.
func All() []interface{} {
	return []interface{}{
		&User{},
		&AttendanceDay{},
		&IPActivity{},
		&BanRecord{},
		&GlobalSetting{},
		&RankingSnapshot{},
	}
}
