package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/openclinic-io/patient-service/internal/models"
)

func (suite *HandlerTestSuite) TestReconcileCreatesLinkedRecord() {
	assert := suite.Assert()
	require := suite.Require()
	ctx := context.Background()

	result, err := suite.api.ReconcileIdentity(ctx, models.LinkIdentityRequest{
		SubjectID: "sub-1",
		Email:     "a@x.com",
		FirstName: "Jane",
		LastName:  "Doe",
	})
	require.NoError(err)
	assert.True(result.Created)
	assert.False(result.AlreadyLinked)
	assert.NotEmpty(result.PatientID)
	assert.Equal(int64(1), suite.patientCount())

	var patient models.Patient
	require.NoError(suite.api.db.First(&patient, "email = ?", "a@x.com").Error)
	require.NotNil(patient.SubjectID)
	assert.Equal("sub-1", *patient.SubjectID)
	assert.Equal("Jane", patient.FirstName)
	assert.Equal("Doe", patient.LastName)

	// repeating the call is a no-op that reports the existing link
	again, err := suite.api.ReconcileIdentity(ctx, models.LinkIdentityRequest{
		SubjectID: "sub-1",
		Email:     "a@x.com",
		FirstName: "Jane",
		LastName:  "Doe",
	})
	require.NoError(err)
	assert.False(again.Created)
	assert.True(again.AlreadyLinked)
	assert.Equal(result.PatientID, again.PatientID)
	assert.Equal(int64(1), suite.patientCount())
}

func (suite *HandlerTestSuite) TestReconcileLinksExistingUnlinkedRecord() {
	assert := suite.Assert()
	require := suite.Require()
	ctx := context.Background()

	seed := models.Patient{
		FirstName:   "John",
		LastName:    "Roe",
		DateOfBirth: "1990-06-01",
		Email:       "b@x.com",
	}
	require.NoError(suite.api.db.Create(&seed).Error)

	result, err := suite.api.ReconcileIdentity(ctx, models.LinkIdentityRequest{
		SubjectID: "sub-2",
		Email:     "b@x.com",
	})
	require.NoError(err)
	assert.False(result.Created)
	assert.False(result.AlreadyLinked)
	assert.Equal(seed.ID.String(), result.PatientID)
	assert.Equal(int64(1), suite.patientCount())

	var patient models.Patient
	require.NoError(suite.api.db.First(&patient, "id = ?", seed.ID).Error)
	require.NotNil(patient.SubjectID)
	assert.Equal("sub-2", *patient.SubjectID)

	// linking is idempotent, repeated calls report the existing link
	again, err := suite.api.ReconcileIdentity(ctx, models.LinkIdentityRequest{
		SubjectID: "sub-2",
		Email:     "b@x.com",
	})
	require.NoError(err)
	assert.True(again.AlreadyLinked)
	assert.Equal(int64(1), suite.patientCount())
}

func (suite *HandlerTestSuite) TestReconcileFirstLinkWins() {
	assert := suite.Assert()
	require := suite.Require()
	ctx := context.Background()

	subjectA := "sub-a"
	seed := models.Patient{
		FirstName: "Jane",
		LastName:  "Doe",
		Email:     "c@x.com",
		SubjectID: &subjectA,
	}
	require.NoError(suite.api.db.Create(&seed).Error)

	result, err := suite.api.ReconcileIdentity(ctx, models.LinkIdentityRequest{
		SubjectID: "sub-b",
		Email:     "c@x.com",
	})
	require.NoError(err)
	assert.False(result.Created)
	assert.True(result.AlreadyLinked)
	assert.Equal(seed.ID.String(), result.PatientID)
	assert.Equal(int64(1), suite.patientCount())

	var patient models.Patient
	require.NoError(suite.api.db.First(&patient, "id = ?", seed.ID).Error)
	require.NotNil(patient.SubjectID)
	assert.Equal(subjectA, *patient.SubjectID)
}

func (suite *HandlerTestSuite) TestReconcileValidation() {
	assert := suite.Assert()
	require := suite.Require()
	ctx := context.Background()

	_, err := suite.api.ReconcileIdentity(ctx, models.LinkIdentityRequest{
		Email: "a@x.com",
	})
	var apiResponseError *ApiResponseError
	require.ErrorAs(err, &apiResponseError)
	assert.Equal(http.StatusBadRequest, apiResponseError.Status)

	_, err = suite.api.ReconcileIdentity(ctx, models.LinkIdentityRequest{
		SubjectID: "sub-1",
	})
	require.ErrorAs(err, &apiResponseError)
	assert.Equal(http.StatusBadRequest, apiResponseError.Status)

	// no mutation was attempted
	assert.Equal(int64(0), suite.patientCount())
}

func (suite *HandlerTestSuite) TestReconcileRejectsAmbiguousEmail() {
	assert := suite.Assert()
	require := suite.Require()
	ctx := context.Background()

	require.NoError(suite.api.db.Create(&models.Patient{
		FirstName: "Jane", LastName: "Doe", Email: "dup@x.com",
	}).Error)
	require.NoError(suite.api.db.Create(&models.Patient{
		FirstName: "Janet", LastName: "Doe", Email: "dup@x.com",
	}).Error)

	_, err := suite.api.ReconcileIdentity(ctx, models.LinkIdentityRequest{
		SubjectID: "sub-1",
		Email:     "dup@x.com",
	})
	var apiResponseError *ApiResponseError
	require.ErrorAs(err, &apiResponseError)
	assert.Equal(http.StatusConflict, apiResponseError.Status)

	// neither record was linked
	var linked int64
	require.NoError(suite.api.db.Model(&models.Patient{}).
		Where("subject_id IS NOT NULL").Count(&linked).Error)
	assert.Equal(int64(0), linked)
}

func (suite *HandlerTestSuite) TestReconcileReportsDuplicateSubjectAsConflict() {
	assert := suite.Assert()
	require := suite.Require()
	ctx := context.Background()

	subject := "sub-1"
	require.NoError(suite.api.db.Create(&models.Patient{
		FirstName: "Jane", LastName: "Doe", Email: "a@x.com", SubjectID: &subject,
	}).Error)
	require.NoError(suite.api.db.Create(&models.Patient{
		FirstName: "John", LastName: "Roe", Email: "b@x.com",
	}).Error)

	// the subject already won a link on a different record, the
	// unique index turns this into a reported conflict
	_, err := suite.api.ReconcileIdentity(ctx, models.LinkIdentityRequest{
		SubjectID: "sub-1",
		Email:     "b@x.com",
	})
	var apiResponseError *ApiResponseError
	require.ErrorAs(err, &apiResponseError)
	assert.Equal(http.StatusConflict, apiResponseError.Status)

	var patient models.Patient
	require.NoError(suite.api.db.First(&patient, "email = ?", "b@x.com").Error)
	assert.Nil(patient.SubjectID)
}

func (suite *HandlerTestSuite) TestLinkUserIdentityEndpoint() {
	assert := suite.Assert()
	require := suite.Require()

	reqBody, err := json.Marshal(models.LinkIdentityRequest{
		SubjectID: "sub-9",
		Email:     "z@x.com",
		FirstName: "Zoe",
		LastName:  "Zane",
	})
	require.NoError(err)

	_, res, err := suite.ServeRequest(
		http.MethodPost,
		"/", "/",
		models.Identity{},
		suite.api.LinkUserIdentity,
		bytes.NewBuffer(reqBody),
	)
	require.NoError(err)
	body, err := io.ReadAll(res.Body)
	require.NoError(err)
	require.Equal(http.StatusCreated, res.Code, string(body))

	var result models.LinkIdentityResult
	require.NoError(json.Unmarshal(body, &result))
	assert.True(result.Created)
	assert.False(result.AlreadyLinked)

	// second call reports the existing link with a 200
	_, res, err = suite.ServeRequest(
		http.MethodPost,
		"/", "/",
		models.Identity{},
		suite.api.LinkUserIdentity,
		bytes.NewBuffer(reqBody),
	)
	require.NoError(err)
	body, err = io.ReadAll(res.Body)
	require.NoError(err)
	require.Equal(http.StatusOK, res.Code, string(body))

	var again models.LinkIdentityResult
	require.NoError(json.Unmarshal(body, &again))
	assert.True(again.AlreadyLinked)
	assert.Equal(result.PatientID, again.PatientID)
}

func (suite *HandlerTestSuite) TestLinkUserIdentityBadPayload() {
	require := suite.Require()

	_, res, err := suite.ServeRequest(
		http.MethodPost,
		"/", "/",
		models.Identity{},
		suite.api.LinkUserIdentity,
		bytes.NewBufferString("{not json"),
	)
	require.NoError(err)
	require.Equal(http.StatusBadRequest, res.Code)
	require.Equal(int64(0), suite.patientCount())
}
