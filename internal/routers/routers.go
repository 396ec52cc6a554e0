package routers

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/openclinic-io/patient-service/internal/handlers"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const name = "github.com/openclinic-io/patient-service/internal/routers"

type APIRouterOptions struct {
	Logger          *zap.SugaredLogger
	Api             *handlers.API
	ClientId        string
	OidcURL         string
	OidcBackchannel string
	InsecureTLS     bool
	GatewayURL      string
}

func NewAPIRouter(ctx context.Context, o APIRouterOptions) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	loggerMiddleware := ginzap.GinzapWithConfig(o.Logger.Desugar(), &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		Context: func(c *gin.Context) []zapcore.Field {
			return []zapcore.Field{
				zap.String("traceID", trace.SpanFromContext(c.Request.Context()).SpanContext().TraceID().String()),
			}
		},
	})

	r.Use(otelgin.Middleware(name, otelgin.WithPropagators(
		propagation.TraceContext{},
	)))
	r.Use(ginzap.RecoveryWithZap(o.Logger.Desugar(), true))

	newPrometheus().Use(r)

	if o.GatewayURL != "" {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = []string{o.GatewayURL}
		corsConfig.AllowCredentials = true
		corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
		r.Use(cors.New(corsConfig))
	}

	private := r.Group("/api", loggerMiddleware)
	{
		api := o.Api
		validateJWT, err := newValidateJWT(ctx, o)
		if err != nil {
			return nil, err
		}
		private.Use(validateJWT)

		// Patients
		private.GET("/patients", api.ListPatients)
		private.POST("/patients", api.CreatePatient)
		private.GET("/patients/me", api.GetOwnPatient)
		private.GET("/patients/:id", api.GetPatient)
		private.PATCH("/patients/:id", api.UpdatePatient)
		private.DELETE("/patients/:id", api.DeletePatient)
	}

	// Service-to-service calls from inside the mesh, the gateway never
	// routes these.
	internal := r.Group("/internal", loggerMiddleware)
	{
		internal.POST("/link-user", o.Api.LinkUserIdentity)
	}

	// Don't log the registry health/info probes.
	r.GET("/actuator/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "UP",
		})
	})
	r.GET("/actuator/info", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app": gin.H{
				"name":        "patient-service",
				"description": "Patient record microservice with role-based access",
			},
		})
	})

	return r, nil
}

func newValidateJWT(ctx context.Context, o APIRouterOptions) (func(*gin.Context), error) {
	if o.InsecureTLS {
		transport := &http.Transport{
			// #nosec -- G402: TLS InsecureSkipVerify set true.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		client := &http.Client{Transport: transport}
		ctx = oidc.ClientContext(ctx, client)
	}

	oidcURL := o.OidcURL
	if o.OidcBackchannel != "" {
		ctx = oidc.InsecureIssuerURLContext(ctx, o.OidcURL)
		oidcURL = o.OidcBackchannel
	}
	provider, err := oidc.NewProvider(ctx, oidcURL)
	if err != nil {
		return nil, err
	}

	verifier := provider.Verifier(&oidc.Config{
		SkipClientIDCheck: true,
	})
	return ValidateJWT(o.Logger, verifier, o.ClientId), nil
}

func newPrometheus() *ginprometheus.Prometheus {
	p := ginprometheus.NewPrometheus("patient_service")
	p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
		url := c.Request.URL.Path
		for _, p := range c.Params {
			if p.Key == "id" {
				url = strings.Replace(url, p.Value, ":id", 1)
				break
			}
		}
		return url
	}
	return p
}
