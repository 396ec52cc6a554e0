package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/openclinic-io/patient-service/internal/database"
	"github.com/openclinic-io/patient-service/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	reasonDoctorOnly  = "this operation requires doctor privileges"
	reasonPatientOnly = "this endpoint is only accessible to patients"
)

// CreatePatient creates a new patient record
// @Summary      Create Patient
// @Description  Creates a new patient record, linking it to an identity-provider account when one matches the email
// @Id           CreatePatient
// @Tags         Patients
// @Accept       json
// @Produce      json
// @Param        Patient  body     models.AddPatient  true  "Add Patient"
// @Success      201  {object}  models.Patient
// @Failure      400  {object}  models.ValidationError
// @Failure      401  {object}  models.BaseError
// @Failure      403  {object}  models.NotAllowedError
// @Failure      409  {object}  models.ConflictsError
// @Failure      500  {object}  models.InternalServerError "Internal Server Error"
// @Router       /api/patients [post]
func (api *API) CreatePatient(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "CreatePatient")
	defer span.End()

	identity, found := api.CurrentIdentity(c)
	if !found {
		api.SendInternalServerError(c, errors.New("no current identity found"))
		return
	}
	if !api.Authorize(c, identity, models.RoleDoctor, reasonDoctorOnly) {
		return
	}

	var request models.AddPatient
	if err := c.BindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, models.NewBadPayloadError())
		return
	}
	if request.FirstName == "" {
		c.JSON(http.StatusBadRequest, models.NewFieldNotPresentError("first_name"))
		return
	}
	if request.LastName == "" {
		c.JSON(http.StatusBadRequest, models.NewFieldNotPresentError("last_name"))
		return
	}
	if request.Email == "" {
		c.JSON(http.StatusBadRequest, models.NewFieldNotPresentError("email"))
		return
	}
	if request.DateOfBirth == "" {
		c.JSON(http.StatusBadRequest, models.NewFieldNotPresentError("date_of_birth"))
		return
	}
	if !models.ValidDateOfBirth(request.DateOfBirth) {
		c.JSON(http.StatusBadRequest, models.NewFieldValidationError("date_of_birth", "must be a YYYY-MM-DD date"))
		return
	}
	if !models.ValidGender(request.Gender) {
		c.JSON(http.StatusBadRequest, models.NewFieldValidationError("gender", "must be one of male, female, other"))
		return
	}

	// Best effort: if the identity provider already knows this email,
	// link the record at creation time. A failed lookup degrades to an
	// unlinked record, it is not an error.
	var subjectID *string
	account, err := api.idp.FindAccountByEmail(ctx, request.Email)
	if err != nil {
		api.Logger(ctx).Warnw("identity provider lookup failed, creating unlinked record",
			"email", request.Email, "error", err)
	} else if account != nil && account.SubjectID != "" {
		subjectID = &account.SubjectID
	}

	patient := models.Patient{
		SubjectID:   subjectID,
		FirstName:   request.FirstName,
		LastName:    request.LastName,
		DateOfBirth: request.DateOfBirth,
		Gender:      request.Gender,
		Email:       request.Email,
		Phone:       request.Phone,
		Address:     request.Address,
		CreatedBy:   identity.Username,
	}
	err = api.transaction(ctx, func(tx *gorm.DB) error {
		if res := tx.Create(&patient); res.Error != nil {
			if database.IsDuplicateError(res.Error) {
				return NewApiResponseError(http.StatusConflict,
					models.NewLinkConflictError("a patient record is already linked to this account"))
			}
			return res.Error
		}
		return nil
	})
	if err != nil {
		var apiResponseError *ApiResponseError
		if errors.As(err, &apiResponseError) {
			c.JSON(apiResponseError.Status, apiResponseError.Body)
		} else {
			api.SendInternalServerError(c, err)
		}
		return
	}

	api.Logger(ctx).Infow("patient created",
		"patient", patient.ID, "doctor", identity.Username, "linked", patient.Linked())
	c.JSON(http.StatusCreated, patient)
}

// ListPatients lists patient records
// @Summary      List Patients
// @Description  Lists patient records with optional substring search and pagination
// @Id           ListPatients
// @Tags         Patients
// @Accept       json
// @Produce      json
// @Param        search  query     string  false  "Case-insensitive substring matched against first name, last name or email"
// @Param        limit   query     int     false  "Page size, defaults to 100, capped at 500"
// @Param        offset  query     int     false  "Page offset"
// @Success      200  {object}  []models.Patient
// @Failure      400  {object}  models.ValidationError
// @Failure      401  {object}  models.BaseError
// @Failure      403  {object}  models.NotAllowedError
// @Failure      500  {object}  models.InternalServerError "Internal Server Error"
// @Router       /api/patients [get]
func (api *API) ListPatients(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ListPatients")
	defer span.End()

	identity, found := api.CurrentIdentity(c)
	if !found {
		api.SendInternalServerError(c, errors.New("no current identity found"))
		return
	}
	if !api.Authorize(c, identity, models.RoleDoctor, reasonDoctorOnly) {
		return
	}

	var query Query
	if err := c.BindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, models.NewBadPayloadError())
		return
	}
	query.Clamp()

	db := query.SearchFilter(api.db.WithContext(ctx).Model(&models.Patient{}))

	var totalCount int64
	if res := db.Session(&gorm.Session{Initialized: true}).Count(&totalCount); res.Error != nil {
		api.SendInternalServerError(c, res.Error)
		return
	}

	// last name then first name keeps pagination deterministic
	patients := make([]*models.Patient, 0)
	if res := db.
		Order("last_name").
		Order("first_name").
		Limit(query.Limit).
		Offset(query.Offset).
		Find(&patients); res.Error != nil {
		api.SendInternalServerError(c, res.Error)
		return
	}

	c.Header("Access-Control-Expose-Headers", TotalCountHeader)
	c.Header(TotalCountHeader, strconv.Itoa(int(totalCount)))
	c.JSON(http.StatusOK, patients)
}

// GetPatient gets a patient record by id
// @Summary      Get Patient
// @Description  Gets a patient record by id
// @Id           GetPatient
// @Tags         Patients
// @Accept       json
// @Produce      json
// @Param        id  path       string  true  "Patient ID"
// @Success      200  {object}  models.Patient
// @Failure      400  {object}  models.ValidationError
// @Failure      401  {object}  models.BaseError
// @Failure      403  {object}  models.NotAllowedError
// @Failure      404  {object}  models.NotFoundError
// @Failure      500  {object}  models.InternalServerError "Internal Server Error"
// @Router       /api/patients/{id} [get]
func (api *API) GetPatient(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "GetPatient",
		trace.WithAttributes(
			attribute.String("id", c.Param("id")),
		))
	defer span.End()

	identity, found := api.CurrentIdentity(c)
	if !found {
		api.SendInternalServerError(c, errors.New("no current identity found"))
		return
	}
	if !api.Authorize(c, identity, models.RoleDoctor, reasonDoctorOnly) {
		return
	}

	patientId, err := uuid.Parse(c.Param("id"))
	if err != nil || patientId == uuid.Nil {
		c.JSON(http.StatusBadRequest, models.NewBadPathParameterError("id"))
		return
	}

	var patient models.Patient
	if res := api.db.WithContext(ctx).
		First(&patient, "id = ?", patientId); res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, models.NewNotFoundError("patient"))
		} else {
			api.SendInternalServerError(c, res.Error)
		}
		return
	}

	api.Logger(ctx).Infow("patient record accessed",
		"patient", patient.ID, "doctor", identity.Username)
	c.JSON(http.StatusOK, patient)
}

// GetOwnPatient gets the patient record linked to the caller
// @Summary      Get Own Patient Record
// @Description  Gets the patient record linked to the calling identity-provider account
// @Id           GetOwnPatient
// @Tags         Patients
// @Accept       json
// @Produce      json
// @Success      200  {object}  models.Patient
// @Failure      401  {object}  models.BaseError
// @Failure      403  {object}  models.NotAllowedError
// @Failure      404  {object}  models.NotFoundError
// @Failure      500  {object}  models.InternalServerError "Internal Server Error"
// @Router       /api/patients/me [get]
func (api *API) GetOwnPatient(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "GetOwnPatient")
	defer span.End()

	identity, found := api.CurrentIdentity(c)
	if !found {
		api.SendInternalServerError(c, errors.New("no current identity found"))
		return
	}
	if !api.Authorize(c, identity, models.RolePatient, reasonPatientOnly) {
		return
	}

	// only ever the record linked to the caller's own subject id
	var patient models.Patient
	if res := api.db.WithContext(ctx).
		First(&patient, "subject_id = ?", identity.Subject); res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, models.NewSelfRecordNotFoundError())
		} else {
			api.SendInternalServerError(c, res.Error)
		}
		return
	}

	api.Logger(ctx).Infow("patient accessed their own record",
		"patient", patient.ID, "subject", identity.Subject)
	c.JSON(http.StatusOK, patient)
}

// UpdatePatient updates a patient record
// @Summary      Update Patient
// @Description  Updates a patient record, only the supplied fields overwrite existing values
// @Id           UpdatePatient
// @Tags         Patients
// @Accept       json
// @Produce      json
// @Param        id       path      string                true  "Patient ID"
// @Param        Update   body      models.UpdatePatient  true  "Patient Update"
// @Success      200  {object}  models.Patient
// @Failure      400  {object}  models.ValidationError
// @Failure      401  {object}  models.BaseError
// @Failure      403  {object}  models.NotAllowedError
// @Failure      404  {object}  models.NotFoundError
// @Failure      500  {object}  models.InternalServerError "Internal Server Error"
// @Router       /api/patients/{id} [patch]
func (api *API) UpdatePatient(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "UpdatePatient",
		trace.WithAttributes(
			attribute.String("id", c.Param("id")),
		))
	defer span.End()

	identity, found := api.CurrentIdentity(c)
	if !found {
		api.SendInternalServerError(c, errors.New("no current identity found"))
		return
	}
	if !api.Authorize(c, identity, models.RoleDoctor, reasonDoctorOnly) {
		return
	}

	patientId, err := uuid.Parse(c.Param("id"))
	if err != nil || patientId == uuid.Nil {
		c.JSON(http.StatusBadRequest, models.NewBadPathParameterError("id"))
		return
	}

	var request models.UpdatePatient
	if err := c.BindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, models.NewBadPayloadError())
		return
	}
	if request.DateOfBirth != nil && !models.ValidDateOfBirth(*request.DateOfBirth) {
		c.JSON(http.StatusBadRequest, models.NewFieldValidationError("date_of_birth", "must be a YYYY-MM-DD date"))
		return
	}
	if request.Gender != nil && !models.ValidGender(*request.Gender) {
		c.JSON(http.StatusBadRequest, models.NewFieldValidationError("gender", "must be one of male, female, other"))
		return
	}

	var patient models.Patient
	err = api.transaction(ctx, func(tx *gorm.DB) error {
		if res := tx.First(&patient, "id = ?", patientId); res.Error != nil {
			if errors.Is(res.Error, gorm.ErrRecordNotFound) {
				return NewApiResponseError(http.StatusNotFound, models.NewNotFoundError("patient"))
			}
			return res.Error
		}

		if request.FirstName != nil {
			patient.FirstName = *request.FirstName
		}
		if request.LastName != nil {
			patient.LastName = *request.LastName
		}
		if request.DateOfBirth != nil {
			patient.DateOfBirth = *request.DateOfBirth
		}
		if request.Gender != nil {
			patient.Gender = *request.Gender
		}
		if request.Email != nil {
			patient.Email = *request.Email
		}
		if request.Phone != nil {
			patient.Phone = *request.Phone
		}
		if request.Address != nil {
			patient.Address = *request.Address
		}
		patient.UpdatedBy = identity.Username

		if res := tx.Save(&patient); res.Error != nil {
			return res.Error
		}
		return nil
	})
	if err != nil {
		var apiResponseError *ApiResponseError
		if errors.As(err, &apiResponseError) {
			c.JSON(apiResponseError.Status, apiResponseError.Body)
		} else {
			api.SendInternalServerError(c, err)
		}
		return
	}

	api.Logger(ctx).Infow("patient updated",
		"patient", patient.ID, "doctor", identity.Username)
	c.JSON(http.StatusOK, patient)
}

// DeletePatient deletes a patient record
// @Summary      Delete Patient
// @Description  Deletes a patient record and returns its prior state
// @Id           DeletePatient
// @Tags         Patients
// @Accept       json
// @Produce      json
// @Param        id  path       string  true  "Patient ID"
// @Success      200  {object}  models.Patient
// @Failure      400  {object}  models.ValidationError
// @Failure      401  {object}  models.BaseError
// @Failure      403  {object}  models.NotAllowedError
// @Failure      404  {object}  models.NotFoundError
// @Failure      500  {object}  models.InternalServerError "Internal Server Error"
// @Router       /api/patients/{id} [delete]
func (api *API) DeletePatient(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "DeletePatient",
		trace.WithAttributes(
			attribute.String("id", c.Param("id")),
		))
	defer span.End()

	identity, found := api.CurrentIdentity(c)
	if !found {
		api.SendInternalServerError(c, errors.New("no current identity found"))
		return
	}
	if !api.Authorize(c, identity, models.RoleDoctor, reasonDoctorOnly) {
		return
	}

	patientId, err := uuid.Parse(c.Param("id"))
	if err != nil || patientId == uuid.Nil {
		c.JSON(http.StatusBadRequest, models.NewBadPathParameterError("id"))
		return
	}

	// the deleted record's prior state is returned for audit purposes
	var patient models.Patient
	err = api.transaction(ctx, func(tx *gorm.DB) error {
		if res := tx.First(&patient, "id = ?", patientId); res.Error != nil {
			if errors.Is(res.Error, gorm.ErrRecordNotFound) {
				return NewApiResponseError(http.StatusNotFound, models.NewNotFoundError("patient"))
			}
			return res.Error
		}
		if res := tx.Delete(&models.Patient{}, "id = ?", patientId); res.Error != nil {
			return res.Error
		}
		return nil
	})
	if err != nil {
		var apiResponseError *ApiResponseError
		if errors.As(err, &apiResponseError) {
			c.JSON(apiResponseError.Status, apiResponseError.Body)
		} else {
			api.SendInternalServerError(c, err)
		}
		return
	}

	api.Logger(ctx).Infow("patient deleted",
		"patient", patient.ID, "doctor", identity.Username)
	c.JSON(http.StatusOK, patient)
}
