package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/openclinic-io/patient-service/internal/database"
	"github.com/openclinic-io/patient-service/internal/idp"
	"github.com/openclinic-io/patient-service/internal/models"
	"github.com/openclinic-io/patient-service/internal/util"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"net/http"
)

var tracer trace.Tracer

func init() {
	tracer = otel.Tracer("github.com/openclinic-io/patient-service/internal/handlers")
}

// AuthIdentityKey is the gin.Context key under which the token
// middleware stores the caller's resolved identity.
const AuthIdentityKey string = "_patient_service.Identity"

type API struct {
	logger      *zap.SugaredLogger
	db          *gorm.DB
	transaction database.TransactionFunc
	dialect     database.Dialect
	idp         idp.Client
}

func NewAPI(
	parent context.Context,
	logger *zap.SugaredLogger,
	db *gorm.DB,
	idpClient idp.Client,
) (*API, error) {
	_, span := tracer.Start(parent, "NewAPI")
	defer span.End()

	transactionFunc, dialect, err := database.GetTransactionFunc(db)
	if err != nil {
		return nil, err
	}

	return &API{
		logger:      logger,
		db:          db,
		transaction: transactionFunc,
		dialect:     dialect,
		idp:         idpClient,
	}, nil
}

func (api *API) Logger(ctx context.Context) *zap.SugaredLogger {
	return util.WithTrace(ctx, api.logger)
}

func (api *API) SendInternalServerError(c *gin.Context, err error) {
	SendInternalServerError(c, api.logger, err)
}

func SendInternalServerError(c *gin.Context, logger *zap.SugaredLogger, err error) {
	ctx := c.Request.Context()
	util.WithTrace(ctx, logger).Errorw("internal server error", "error", err)

	result := models.InternalServerError{
		BaseError: models.BaseError{
			Error: "internal server error",
		},
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		result.TraceId = sc.TraceID().String()
	}
	c.JSON(http.StatusInternalServerError, result)
}

// CurrentIdentity returns the identity the token middleware resolved
// for this request.
func (api *API) CurrentIdentity(c *gin.Context) (models.Identity, bool) {
	value, found := c.Get(AuthIdentityKey)
	if !found {
		return models.Identity{}, false
	}
	identity, ok := value.(models.Identity)
	return identity, ok
}

// Authorize is the role gate. It allows the request iff the identity
// carries the required realm role; on deny it logs a structured
// warning and terminates the request with a 403.
func (api *API) Authorize(c *gin.Context, identity models.Identity, requiredRole string, reason string) bool {
	if identity.HasRole(requiredRole) {
		return true
	}
	api.Logger(c.Request.Context()).Warnw("access denied",
		"username", identity.Username,
		"subject", identity.Subject,
		"required_role", requiredRole,
	)
	c.JSON(http.StatusForbidden, models.NewNotAllowedError(reason))
	return false
}
