// Package authz decides which credential, if any, a calling system may use
// for an upstream API. Absence of a record is always a denial.
package authz

import (
	"github.com/wudi/broker/internal/config"
	"github.com/wudi/broker/internal/errors"
)

// Grant is a successful authorization: the credential to exchange for a
// token on behalf of the client.
type Grant struct {
	ClientName string
	APIName    string
	Credential config.CredentialConfig
}

// Resolver maps client identities to their authorized credentials. It is
// immutable after New and safe for concurrent use.
type Resolver struct {
	byIdentity map[string]config.ClientConfig
}

// New indexes the clients of cfg by identity.
func New(cfg *config.Config) *Resolver {
	r := &Resolver{byIdentity: make(map[string]config.ClientConfig, len(cfg.Clients))}
	for name, c := range cfg.Clients {
		c.Name = name
		r.byIdentity[c.Identity] = c
	}
	return r
}

// Resolve authorizes identity for api. Identity comparison is exact and
// case-sensitive.
func (r *Resolver) Resolve(identity, api string) (Grant, error) {
	if identity == "" {
		return Grant{}, errors.ErrMissingClientHeader
	}
	client, ok := r.byIdentity[identity]
	if !ok {
		return Grant{}, errors.New(errors.KindUnknownClient, "client not registered")
	}
	cred, ok := client.AuthorizedAPIs[api]
	if !ok {
		return Grant{}, errors.New(errors.KindUnauthorizedAPI, "client not permitted for this API").
			WithDetails("client " + client.Name + " has no credential for api " + api)
	}
	return Grant{ClientName: client.Name, APIName: api, Credential: cred}, nil
}

// Clients returns the number of registered clients.
func (r *Resolver) Clients() int {
	return len(r.byIdentity)
}
