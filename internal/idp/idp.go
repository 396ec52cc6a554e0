// Package idp looks up identity-provider accounts on the Keycloak
// admin API. Lookups are best-effort: callers that only want to
// pre-populate a link are expected to tolerate failure.
package idp

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/Nerzal/gocloak/v13"
)

// Account is the subset of an identity-provider user the service
// cares about.
type Account struct {
	SubjectID string
	Username  string
	Email     string
	FirstName string
	LastName  string
}

// Client finds identity-provider accounts by email. FindAccountByEmail
// returns (nil, nil) when no account matches.
type Client interface {
	FindAccountByEmail(ctx context.Context, email string) (*Account, error)
}

type keycloakClient struct {
	client        *gocloak.GoCloak
	realm         string
	adminUser     string
	adminPassword string
}

// KeycloakOptions configure the admin-API connection. Admin
// credentials authenticate against the master realm, user searches run
// against Realm.
type KeycloakOptions struct {
	URL           string
	Realm         string
	AdminUser     string
	AdminPassword string
	InsecureTLS   bool
}

const masterRealm = "master"

func NewKeycloakClient(o KeycloakOptions) Client {
	client := gocloak.NewClient(o.URL)
	if o.InsecureTLS {
		// #nosec G402 -- dev/test environments only
		client.RestyClient().SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	return &keycloakClient{
		client:        client,
		realm:         o.Realm,
		adminUser:     o.AdminUser,
		adminPassword: o.AdminPassword,
	}
}

func (k *keycloakClient) FindAccountByEmail(ctx context.Context, email string) (*Account, error) {
	token, err := k.client.LoginAdmin(ctx, k.adminUser, k.adminPassword, masterRealm)
	if err != nil {
		return nil, fmt.Errorf("admin login to keycloak failed: %w", err)
	}

	users, err := k.client.GetUsers(ctx, token.AccessToken, k.realm, gocloak.GetUsersParams{
		Email: gocloak.StringP(email),
		Exact: gocloak.BoolP(true),
	})
	if err != nil {
		return nil, fmt.Errorf("keycloak user search failed: %w", err)
	}
	if len(users) == 0 {
		return nil, nil
	}

	user := users[0]
	return &Account{
		SubjectID: gocloak.PString(user.ID),
		Username:  gocloak.PString(user.Username),
		Email:     gocloak.PString(user.Email),
		FirstName: gocloak.PString(user.FirstName),
		LastName:  gocloak.PString(user.LastName),
	}, nil
}
