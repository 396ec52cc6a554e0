package database

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/openclinic-io/patient-service/internal/database/migration_20260115_0000"
	"github.com/openclinic-io/patient-service/internal/database/migrations"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var tracer trace.Tracer

func init() {
	tracer = otel.Tracer("github.com/openclinic-io/patient-service/internal/database")
}

func NewDatabase(
	parent context.Context,
	logger *zap.SugaredLogger,
	host string,
	user string,
	password string,
	dbname string,
	port string,
	sslmode string,
) (*gorm.DB, error) {
	ctx, span := tracer.Start(parent, "NewDatabase")
	defer span.End()
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		host, user, password, dbname, port, sslmode)
	var db *gorm.DB
	connectDb := func() error {
		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger:         NewLogger(logger),
			TranslateError: true,
		})
		if err != nil {
			logger.Warnf("database connection failed, retrying: %s", err)
			return err
		}
		return nil
	}
	err := backoff.Retry(connectDb, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
	if err != nil {
		return nil, err
	}
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		return nil, err
	}
	if err := Migrations().Migrate(ctx, db); err != nil {
		return nil, err
	}
	return db, nil
}

// NewTestDatabase opens an in-memory sqlite database with the full
// migration set applied.
func NewTestDatabase(logger *zap.SugaredLogger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger:         NewLogger(logger),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := Migrations().Migrate(context.Background(), db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrations() *migrations.Migrations {
	return migrations.New(
		migration_20260115_0000.Migrate(),
	)
}
