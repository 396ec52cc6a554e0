package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/openclinic-io/patient-service/internal/database"
	"github.com/openclinic-io/patient-service/internal/handlers"
	"github.com/openclinic-io/patient-service/internal/idp"
	"github.com/openclinic-io/patient-service/internal/routers"
	"github.com/openclinic-io/patient-service/internal/util"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc/credentials"
	"gorm.io/gorm"
)

func main() {
	app := &cli.Command{
		Name:  "patient-service",
		Usage: "Patient record microservice with identity-provider linking and role-based access",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Value:   false,
				Usage:   "Enable debug logging",
				Sources: cli.EnvVars("PATIENT_SVC_DEBUG"),
			},
			&cli.StringFlag{
				Name:    "listen",
				Value:   "0.0.0.0:8080",
				Usage:   "The address and port to listen for HTTP requests on",
				Sources: cli.EnvVars("PATIENT_SVC_LISTEN"),
			},
			&cli.StringFlag{
				Name:    "oidc-url",
				Value:   "http://localhost:8180/realms/healthcare",
				Usage:   "Address of the oidc provider realm",
				Sources: cli.EnvVars("PATIENT_SVC_OIDC_URL"),
			},
			&cli.StringFlag{
				Name:    "oidc-backchannel-url",
				Value:   "",
				Usage:   "Backend address of the oidc provider realm",
				Sources: cli.EnvVars("PATIENT_SVC_OIDC_BACKCHANNEL"),
			},
			&cli.StringFlag{
				Name:    "oidc-client-id",
				Value:   "patient-service",
				Usage:   "OIDC client id expected in the token audience, empty disables the audience check",
				Sources: cli.EnvVars("PATIENT_SVC_OIDC_CLIENT_ID"),
			},
			&cli.BoolFlag{
				Name:    "insecure-tls",
				Value:   false,
				Usage:   "Trust any TLS certificate",
				Sources: cli.EnvVars("PATIENT_SVC_INSECURE_TLS"),
			},
			&cli.StringFlag{
				Name:    "keycloak-admin-user",
				Value:   "admin",
				Usage:   "Keycloak admin-api username for account lookups",
				Sources: cli.EnvVars("PATIENT_SVC_KC_ADMIN_USER"),
			},
			&cli.StringFlag{
				Name:    "keycloak-admin-password",
				Value:   "",
				Usage:   "Keycloak admin-api password",
				Sources: cli.EnvVars("PATIENT_SVC_KC_ADMIN_PASSWORD"),
			},
			&cli.StringFlag{
				Name:    "keycloak-realm",
				Value:   "healthcare",
				Usage:   "Keycloak realm searched for accounts",
				Sources: cli.EnvVars("PATIENT_SVC_KC_REALM"),
			},
			&cli.StringFlag{
				Name:    "keycloak-url",
				Value:   "http://localhost:8180",
				Usage:   "Keycloak base URL for admin-api lookups",
				Sources: cli.EnvVars("PATIENT_SVC_KC_URL"),
			},
			&cli.StringFlag{
				Name:    "gateway-url",
				Value:   "http://localhost:8762",
				Usage:   "Gateway origin allowed by CORS",
				Sources: cli.EnvVars("PATIENT_SVC_GATEWAY_URL"),
			},
			&cli.StringFlag{
				Name:    "db-host",
				Value:   "patient-service-db",
				Usage:   "Database host name",
				Sources: cli.EnvVars("PATIENT_SVC_DB_HOST"),
			},
			&cli.StringFlag{
				Name:    "db-port",
				Value:   "5432",
				Usage:   "Database port",
				Sources: cli.EnvVars("PATIENT_SVC_DB_PORT"),
			},
			&cli.StringFlag{
				Name:    "db-user",
				Value:   "patient-service",
				Usage:   "Database user",
				Sources: cli.EnvVars("PATIENT_SVC_DB_USER"),
			},
			&cli.StringFlag{
				Name:    "db-password",
				Value:   "secret",
				Usage:   "Database password",
				Sources: cli.EnvVars("PATIENT_SVC_DB_PASSWORD"),
			},
			&cli.StringFlag{
				Name:    "db-name",
				Value:   "patients",
				Usage:   "Database name",
				Sources: cli.EnvVars("PATIENT_SVC_DB_NAME"),
			},
			&cli.StringFlag{
				Name:    "db-sslmode",
				Value:   "disable",
				Usage:   "Database ssl mode",
				Sources: cli.EnvVars("PATIENT_SVC_DB_SSLMODE"),
			},
			&cli.StringFlag{
				Name:    "trace-endpoint",
				Value:   "",
				Usage:   "OTLP gRPC collector endpoint",
				Sources: cli.EnvVars("PATIENT_SVC_TRACE_ENDPOINT"),
			},
			&cli.BoolFlag{
				Name:    "trace-insecure",
				Value:   false,
				Usage:   "Disable TLS towards the trace collector",
				Sources: cli.EnvVars("PATIENT_SVC_TRACE_INSECURE"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			ctx, _ = signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)
			withLoggerAndDB(ctx, command, func(logger *zap.Logger, db *gorm.DB) {
				idpClient := idp.NewKeycloakClient(idp.KeycloakOptions{
					URL:           command.String("keycloak-url"),
					Realm:         command.String("keycloak-realm"),
					AdminUser:     command.String("keycloak-admin-user"),
					AdminPassword: command.String("keycloak-admin-password"),
					InsecureTLS:   command.Bool("insecure-tls"),
				})

				api, err := handlers.NewAPI(ctx, logger.Sugar(), db, idpClient)
				if err != nil {
					log.Fatal(err)
				}

				router, err := routers.NewAPIRouter(ctx, routers.APIRouterOptions{
					Logger:          logger.Sugar(),
					Api:             api,
					ClientId:        command.String("oidc-client-id"),
					OidcURL:         command.String("oidc-url"),
					OidcBackchannel: command.String("oidc-backchannel-url"),
					InsecureTLS:     command.Bool("insecure-tls"),
					GatewayURL:      command.String("gateway-url"),
				})
				if err != nil {
					log.Fatal(err)
				}

				httpServer := &http.Server{
					Addr:              command.String("listen"),
					Handler:           router,
					ReadTimeout:       5 * time.Second,
					ReadHeaderTimeout: 5 * time.Second,
					WriteTimeout:      10 * time.Second,
				}

				serveErrors := make(chan error, 1)
				wg := &sync.WaitGroup{}
				util.GoWithWaitGroup(wg, func() {
					logger.Sugar().Infof("patient service listening on %s", command.String("listen"))
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						serveErrors <- err
					}
				})

				select {
				case err := <-serveErrors:
					logger.Sugar().Errorf("http server failed: %s", err)
				case <-ctx.Done():
					logger.Sugar().Info("shutting down patient service")
				}

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				util.IgnoreError(func() error {
					return httpServer.Shutdown(shutdownCtx)
				})
				wg.Wait()
			})
			return nil
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func withLoggerAndDB(ctx context.Context, command *cli.Command, f func(logger *zap.Logger, db *gorm.DB)) {
	logger := getLogger(command)
	cleanup := initTracer(logger.Sugar(), command.Bool("trace-insecure"), command.String("trace-endpoint"))
	defer func() {
		if cleanup == nil {
			return
		}
		if err := cleanup(ctx); err != nil {
			logger.Error(err.Error())
		}
	}()

	db, err := database.NewDatabase(
		ctx,
		logger.Sugar(),
		command.String("db-host"),
		command.String("db-user"),
		command.String("db-password"),
		command.String("db-name"),
		command.String("db-port"),
		command.String("db-sslmode"),
	)
	if err != nil {
		log.Fatal(err)
	}

	f(logger, db)
}

func getLogger(command *cli.Command) *zap.Logger {
	var logger *zap.Logger
	var err error
	if command.Bool("debug") {
		logConfig := zap.NewProductionConfig()
		logConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		logger, err = logConfig.Build()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal(err)
	}
	return logger
}

func initTracer(logger *zap.SugaredLogger, insecure bool, collector string) func(context.Context) error {
	if collector == "" {
		otel.SetTracerProvider(
			sdktrace.NewTracerProvider(
				sdktrace.WithSampler(sdktrace.AlwaysSample()),
			),
		)
		return nil
	}
	secureOption := otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, ""))
	if insecure {
		secureOption = otlptracegrpc.WithInsecure()
	}
	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(
			secureOption,
			otlptracegrpc.WithEndpoint(collector),
		),
	)
	if err != nil {
		logger.Errorf("unable to create open telemetry exporter: %s", err.Error())
		return nil
	}
	resources, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "patient-service"),
			attribute.String("library.language", "go"),
		),
	)
	if err != nil {
		logger.Errorf("unable to create resources: %s", err.Error())
		return nil
	}

	otel.SetTracerProvider(
		sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resources),
		),
	)
	return exporter.Shutdown
}
