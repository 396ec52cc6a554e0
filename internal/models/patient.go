package models

import (
	"time"
)

const DateOfBirthLayout = "2006-01-02"

// Genders accepted on create/update. The column is plain text so the
// set can grow without a migration.
var Genders = []string{"male", "female", "other"}

// Patient is a single patient record. A record is "linked" to an
// identity-provider account iff SubjectID is non-nil; the unique index
// guarantees at most one record per subject id.
type Patient struct {
	Base
	SubjectID   *string `json:"subject_id" example:"f606de8d-092d-4606-b981-80ce9f5a3b2a"`
	FirstName   string  `json:"first_name" example:"Jane"`
	LastName    string  `json:"last_name" example:"Doe"`
	DateOfBirth string  `json:"date_of_birth" example:"1987-11-23"`
	Gender      string  `json:"gender,omitempty" example:"female"`
	Email       string  `json:"email" example:"jane.doe@example.com"`
	Phone       string  `json:"phone,omitempty"`
	Address     string  `json:"address,omitempty"`
	CreatedBy   string  `json:"created_by,omitempty" example:"dr-house"`
	UpdatedBy   string  `json:"updated_by,omitempty"`
}

// Linked reports whether the record is associated with an
// identity-provider account.
func (p *Patient) Linked() bool {
	return p.SubjectID != nil && *p.SubjectID != ""
}

// AddPatient is the information needed to add a new Patient.
type AddPatient struct {
	FirstName   string `json:"first_name" example:"Jane"`
	LastName    string `json:"last_name" example:"Doe"`
	DateOfBirth string `json:"date_of_birth" example:"1987-11-23"`
	Gender      string `json:"gender" example:"female"`
	Email       string `json:"email" example:"jane.doe@example.com"`
	Phone       string `json:"phone"`
	Address     string `json:"address"`
}

// UpdatePatient is the information needed to update a Patient. Only
// supplied fields overwrite existing values, absent fields are kept.
type UpdatePatient struct {
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	DateOfBirth *string `json:"date_of_birth"`
	Gender      *string `json:"gender"`
	Email       *string `json:"email"`
	Phone       *string `json:"phone"`
	Address     *string `json:"address"`
}

// ValidDateOfBirth reports whether s parses as a calendar date.
func ValidDateOfBirth(s string) bool {
	_, err := time.Parse(DateOfBirthLayout, s)
	return err == nil
}

// ValidGender reports whether s is one of the accepted gender values.
// The empty string is allowed, the field is optional.
func ValidGender(s string) bool {
	if s == "" {
		return true
	}
	for _, g := range Genders {
		if s == g {
			return true
		}
	}
	return false
}

// LinkIdentityRequest asks the service to associate an
// identity-provider account with a patient record, creating the record
// if none matches the email.
type LinkIdentityRequest struct {
	SubjectID string `json:"subject_id" example:"f606de8d-092d-4606-b981-80ce9f5a3b2a"`
	Email     string `json:"email" example:"jane.doe@example.com"`
	FirstName string `json:"first_name,omitempty" example:"Jane"`
	LastName  string `json:"last_name,omitempty" example:"Doe"`
}

// LinkIdentityResult reports the outcome of a link request. The
// operation is idempotent: repeating a request reports AlreadyLinked
// instead of mutating anything.
type LinkIdentityResult struct {
	PatientID     string `json:"patient_id" example:"aa22666c-0f57-45cb-a449-16efecc04f2e"`
	Created       bool   `json:"created"`
	AlreadyLinked bool   `json:"already_linked"`
}
