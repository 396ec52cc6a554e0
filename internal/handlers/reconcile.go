package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openclinic-io/patient-service/internal/database"
	"github.com/openclinic-io/patient-service/internal/models"
	"github.com/openclinic-io/patient-service/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// LinkUserIdentity associates an identity-provider account with a
// patient record, creating the record if none matches the email. Meant
// for service-to-service calls only.
// @Summary      Link User Identity
// @Description  Finds or creates the patient record for an identity-provider account and links it by subject id
// @Id           LinkUserIdentity
// @Tags         Internal
// @Accept       json
// @Produce      json
// @Param        LinkIdentity  body     models.LinkIdentityRequest  true  "Link request"
// @Success      200  {object}  models.LinkIdentityResult
// @Success      201  {object}  models.LinkIdentityResult
// @Failure      400  {object}  models.ValidationError
// @Failure      409  {object}  models.ConflictsError
// @Failure      500  {object}  models.InternalServerError "Internal Server Error"
// @Router       /internal/link-user [post]
func (api *API) LinkUserIdentity(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "LinkUserIdentity")
	defer span.End()

	var request models.LinkIdentityRequest
	if err := c.BindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, models.NewBadPayloadError())
		return
	}

	result, err := api.ReconcileIdentity(ctx, request)
	if err != nil {
		var apiResponseError *ApiResponseError
		if errors.As(err, &apiResponseError) {
			c.JSON(apiResponseError.Status, apiResponseError.Body)
		} else {
			api.SendInternalServerError(c, err)
		}
		return
	}

	api.Logger(ctx).Infow("identity link reconciled",
		"patient", result.PatientID,
		"subject", request.SubjectID,
		"created", result.Created,
		"already_linked", result.AlreadyLinked,
	)
	if result.Created {
		c.JSON(http.StatusCreated, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ReconcileIdentity maps an identity-provider account to a patient
// record with at-most-one-link semantics:
//
//   - no record matches the email: create one, linked at creation
//   - one unlinked record matches: set its subject id in place
//   - the matching record is already linked: report the existing link
//     and mutate nothing, the first link wins even if the subject id
//     differs
//
// Concurrent calls for the same email are serialized by the unique
// index on subject_id: the loser of a create/link race gets a
// duplicate key error and re-runs the algorithm once, observing the
// winner's link. A duplicate that survives the retry is a genuine
// conflict and is reported as such.
func (api *API) ReconcileIdentity(ctx context.Context, request models.LinkIdentityRequest) (*models.LinkIdentityResult, error) {
	ctx, span := tracer.Start(ctx, "ReconcileIdentity", trace.WithAttributes(
		attribute.String("subject_id", request.SubjectID),
		attribute.String("email", request.Email),
	))
	defer span.End()

	if request.SubjectID == "" {
		return nil, NewApiResponseError(http.StatusBadRequest, models.NewFieldNotPresentError("subject_id"))
	}
	if request.Email == "" {
		return nil, NewApiResponseError(http.StatusBadRequest, models.NewFieldNotPresentError("email"))
	}

	var result models.LinkIdentityResult
	err := util.RetryOperationForErrors(ctx, time.Millisecond*10, 1, []error{gorm.ErrDuplicatedKey}, func() error {
		return api.transaction(ctx, func(tx *gorm.DB) error {
			var patients []models.Patient
			if res := tx.
				Where("email = ?", request.Email).
				Order("created_at").
				Limit(2).
				Find(&patients); res.Error != nil {
				return res.Error
			}

			switch {
			case len(patients) == 0:
				subjectID := request.SubjectID
				patient := models.Patient{
					SubjectID: &subjectID,
					Email:     request.Email,
					FirstName: request.FirstName,
					LastName:  request.LastName,
				}
				if res := tx.Create(&patient); res.Error != nil {
					if database.IsDuplicateError(res.Error) {
						res.Error = gorm.ErrDuplicatedKey
					}
					return res.Error
				}
				result = models.LinkIdentityResult{
					PatientID: patient.ID.String(),
					Created:   true,
				}

			case len(patients) > 1:
				// email is not unique at the storage layer, refuse to
				// guess which record the account belongs to
				return NewApiResponseError(http.StatusConflict,
					models.NewLinkConflictError("multiple patient records share this email"))

			default:
				patient := patients[0]
				if patient.Linked() {
					result = models.LinkIdentityResult{
						PatientID:     patient.ID.String(),
						AlreadyLinked: true,
					}
					return nil
				}
				if res := tx.Model(&patient).Update("subject_id", request.SubjectID); res.Error != nil {
					if database.IsDuplicateError(res.Error) {
						res.Error = gorm.ErrDuplicatedKey
					}
					return res.Error
				}
				result = models.LinkIdentityResult{
					PatientID: patient.ID.String(),
				}
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, NewApiResponseError(http.StatusConflict,
				models.NewLinkConflictError("subject id is already linked to another patient record"))
		}
		return nil, err
	}
	return &result, nil
}
