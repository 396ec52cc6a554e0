package models

// Role names asserted by the identity provider as realm roles.
const (
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

// Identity is the caller as asserted by a verified bearer token. It is
// derived per request and never persisted.
type Identity struct {
	Subject  string   `json:"subject"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Roles    []string `json:"roles"`
}

// HasRole reports whether the identity carries the given realm role.
// An identity with no roles claim has an empty role set and is denied
// everything that requires a role.
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}
