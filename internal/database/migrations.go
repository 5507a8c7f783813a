package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/addresses"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/facilities"
	"github.com/MarcoPoloResearchLab/hazardmap/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSeedFacilities       = "2025-06-01_seed_facilities"
	migrationSeedDefaultAddresses = "2025-06-01_seed_default_addresses"
)

// SystemUsername owns the seeded default addresses. Its password hash never
// matches, so the account cannot log in.
const SystemUsername = "system"

const lockedPasswordHash = "!"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var seedFacilities = []facilities.Facility{
	{Name: "연제소방서", Address: "부산광역시 연제구 중앙대로 1097", Type: facilities.TypeFire},
	{Name: "부산진소방서", Address: "부산광역시 부산진구 시민공원로 30", Type: facilities.TypeFire},
	{Name: "동래소방서", Address: "부산광역시 동래구 충렬대로 181", Type: facilities.TypeFire},
	{Name: "해운대소방서", Address: "부산광역시 해운대구 해운대로 60", Type: facilities.TypeFire},
	{Name: "부산의료원", Address: "부산광역시 연제구 월드컵대로 359", Type: facilities.TypeMedical},
	{Name: "부산대학교병원", Address: "부산광역시 서구 구덕로 179", Type: facilities.TypeMedical},
	{Name: "동아대학교병원", Address: "부산광역시 서구 대신공원로 26", Type: facilities.TypeMedical},
}

var seedDefaultAddresses = []addresses.Draft{
	{Address: "부산광역시 연제구 중앙대로 1001", Memo: "부산시청 일대 침수 주의 구간"},
	{Address: "부산광역시 해운대구 우동 1411", Memo: "해안가 월파 위험 구역"},
	{Address: "부산광역시 사하구 낙동남로 1240", Memo: "낙동강 하구 범람 주의"},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedFacilities, apply: seedFacilityRows},
		{name: migrationSeedDefaultAddresses, apply: seedDefaultAddressRows},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func seedFacilityRows(db *gorm.DB) error {
	rows := make([]facilities.Facility, len(seedFacilities))
	copy(rows, seedFacilities)
	return db.Create(&rows).Error
}

func seedDefaultAddressRows(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		owner := users.User{Username: SystemUsername}
		err := tx.Where("username = ?", SystemUsername).Take(&owner).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			owner = users.User{Username: SystemUsername, PasswordHash: lockedPasswordHash, CreatedAt: time.Now().UTC()}
			err = tx.Create(&owner).Error
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC().Truncate(time.Second)
		rows := make([]addresses.Address, 0, len(seedDefaultAddresses))
		for _, draft := range seedDefaultAddresses {
			rows = append(rows, addresses.Address{
				Kind:      addresses.KindDefault,
				Address:   draft.Address,
				Memo:      draft.Memo,
				UserID:    owner.ID,
				CreatedAt: now,
			})
		}
		return tx.Create(&rows).Error
	})
}
