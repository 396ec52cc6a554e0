// Package migration_20260115_0000 creates the patients table.
//
// Migration rules:
//
//  1. Migration ids are date based, YYYYMMDD-HHMM.
//
//  2. Models are declared inline with the migration so that future
//     changes to the internal model types do not break clean installs.
//
//  3. Migrations must be backwards compatible, no new required fields.
package migration_20260115_0000

import (
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/google/uuid"
	"github.com/openclinic-io/patient-service/internal/database/migrations"
)

type Base struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key;"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	Base
	SubjectID   *string
	FirstName   string
	LastName    string
	DateOfBirth string
	Gender      string
	Email       string
	Phone       string
	Address     string
	CreatedBy   string
	UpdatedBy   string
}

func Migrate() *gormigrate.Migration {
	migrationId := "20260115-0000"

	return migrations.CreateMigrationFromActions(migrationId,
		migrations.CreateTableAction(&Patient{}),
		// create the unique index manually so the migration also works
		// on cockroach, see https://github.com/go-gorm/gorm/issues/5752
		migrations.ExecAction(
			`CREATE UNIQUE INDEX IF NOT EXISTS "idx_patients_subject_id" ON "patients" ("subject_id")`,
			`DROP INDEX IF EXISTS "idx_patients_subject_id"`,
		),
		migrations.ExecAction(
			`CREATE INDEX IF NOT EXISTS "idx_patients_email" ON "patients" ("email")`,
			`DROP INDEX IF EXISTS "idx_patients_email"`,
		),
		migrations.ExecAction(
			`CREATE INDEX IF NOT EXISTS "idx_patients_name" ON "patients" ("last_name","first_name")`,
			`DROP INDEX IF EXISTS "idx_patients_name"`,
		),
	)
}
