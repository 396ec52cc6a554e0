package migrations

import (
	"context"
	"fmt"
	"runtime"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer trace.Tracer

func init() {
	tracer = otel.Tracer("github.com/openclinic-io/patient-service/internal/database/migrations")
}

// Migrations wraps gorm's migration functions with schema versioning
// and rollback capabilities via gormigrate.
type Migrations struct {
	Migrations  []*gormigrate.Migration
	GormOptions *gormigrate.Options
}

func New(migrations ...*gormigrate.Migration) *Migrations {
	return &Migrations{
		GormOptions: &gormigrate.Options{
			TableName:      "patient_service_migrations",
			IDColumnName:   "id",
			IDColumnSize:   40,
			UseTransaction: false,
		},
		Migrations: migrations,
	}
}

func (m *Migrations) Migrate(ctx context.Context, db *gorm.DB) error {
	_, span := tracer.Start(ctx, "Migrate")
	defer span.End()
	return gormigrate.New(db, m.GormOptions, m.Migrations).Migrate()
}

// RollbackLast rolls back the most recently applied migration, mainly
// for testing migrations themselves.
func (m *Migrations) RollbackLast(ctx context.Context, db *gorm.DB) error {
	_, span := tracer.Start(ctx, "RollbackLast")
	defer span.End()
	return gormigrate.New(db, m.GormOptions, m.Migrations).RollbackLast()
}

// MigrationAction applies (apply=true) or rolls back (apply=false) one
// schema change.
type MigrationAction func(tx *gorm.DB, apply bool) error

func CreateTableAction(table interface{}) MigrationAction {
	caller := ""
	if _, file, no, ok := runtime.Caller(1); ok {
		caller = fmt.Sprintf("[ %s:%d ]", file, no)
	}
	return func(tx *gorm.DB, apply bool) error {
		if apply {
			if err := tx.Migrator().AutoMigrate(table); err != nil {
				return errors.Wrap(err, caller)
			}
		} else {
			if err := tx.Migrator().DropTable(table); err != nil {
				return errors.Wrap(err, caller)
			}
		}
		return nil
	}
}

func ExecAction(applySql string, unapplySql string) MigrationAction {
	caller := ""
	if _, file, no, ok := runtime.Caller(1); ok {
		caller = fmt.Sprintf("[ %s:%d ]", file, no)
	}
	return func(tx *gorm.DB, apply bool) error {
		if apply {
			if applySql != "" {
				if err := tx.Exec(applySql).Error; err != nil {
					return errors.Wrap(err, caller)
				}
			}
		} else {
			if unapplySql != "" {
				if err := tx.Exec(unapplySql).Error; err != nil {
					return errors.Wrap(err, caller)
				}
			}
		}
		return nil
	}
}

func CreateMigrationFromActions(id string, actions ...MigrationAction) *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: id,
		Migrate: func(tx *gorm.DB) error {
			for _, action := range actions {
				if err := action(tx, true); err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			for i := len(actions) - 1; i >= 0; i-- {
				if err := actions[i](tx, false); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
