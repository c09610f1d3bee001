package token

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/wudi/broker/internal/config"
	"github.com/wudi/broker/internal/errors"
)

// Issued is a token as returned by a token endpoint.
type Issued struct {
	AccessToken string
	TokenType   string
	ExpiresIn   time.Duration // zero when the endpoint did not report it
}

// Issuer exchanges a credential for an access token.
type Issuer interface {
	Issue(ctx context.Context, cred config.CredentialConfig, tokenURL string) (Issued, error)
}

// IssuerFunc adapts a function to the Issuer interface.
type IssuerFunc func(ctx context.Context, cred config.CredentialConfig, tokenURL string) (Issued, error)

func (f IssuerFunc) Issue(ctx context.Context, cred config.CredentialConfig, tokenURL string) (Issued, error) {
	return f(ctx, cred, tokenURL)
}

// OAuth2Issuer performs the client-credentials grant: a form POST of
// grant_type=client_credentials with the credential in a Basic
// Authorization header.
type OAuth2Issuer struct {
	client  *http.Client
	limiter *endpointLimiter
}

// NewOAuth2Issuer creates an issuer using client for token calls. rps and
// burst pace calls per token endpoint; rps <= 0 disables pacing.
func NewOAuth2Issuer(client *http.Client, rps float64, burst int) *OAuth2Issuer {
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuth2Issuer{client: client, limiter: newEndpointLimiter(rps, burst)}
}

func (i *OAuth2Issuer) Issue(ctx context.Context, cred config.CredentialConfig, tokenURL string) (Issued, error) {
	host := hostOf(tokenURL)
	if err := i.limiter.Wait(ctx, tokenURL); err != nil {
		return Issued{}, errors.Wrap(err, errors.KindUpstreamAuth, "token issuance failed").
			WithDetails("rate limit wait for token endpoint " + host + " aborted")
	}

	cc := clientcredentials.Config{
		ClientID:     cred.ID,
		ClientSecret: cred.Secret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, i.clientFor(cred)))
	if err != nil {
		return Issued{}, issuanceError(err, host)
	}
	if tok.AccessToken == "" {
		return Issued{}, errors.New(errors.KindUpstreamAuth, "token issuance failed").
			WithDetails("token endpoint " + host + " returned no access_token")
	}
	return Issued{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresIn:   expiresIn(tok),
	}, nil
}

// clientFor returns a copy of the issuer's client that sends cred as
// base64(id:secret). x/oauth2 query-escapes both parts first, which servers
// that do not URL-decode reject for secrets containing '/', '+' or '='.
func (i *OAuth2Issuer) clientFor(cred config.CredentialConfig) *http.Client {
	c := *i.client
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c.Transport = &basicAuthTransport{base: base, id: cred.ID, secret: cred.Secret}
	return &c
}

type basicAuthTransport struct {
	base       http.RoundTripper
	id, secret string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.SetBasicAuth(t.id, t.secret)
	return t.base.RoundTrip(out)
}

// expiresIn reads the lifetime the endpoint reported. clientcredentials
// does not copy expires_in into the Token, so the raw response field is
// used, with Expiry as fallback.
func expiresIn(tok *oauth2.Token) time.Duration {
	var secs int64
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		secs = int64(v)
	case int64:
		secs = v
	case json.Number:
		secs, _ = v.Int64()
	case string:
		secs, _ = strconv.ParseInt(v, 10, 64)
	}
	if secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if !tok.Expiry.IsZero() {
		if d := time.Until(tok.Expiry).Round(time.Second); d > 0 {
			return d
		}
	}
	return 0
}

func issuanceError(err error, host string) *errors.BrokerError {
	var re *oauth2.RetrieveError
	switch {
	case stderrors.As(err, &re) && re.Response != nil:
		detail := fmt.Sprintf("token endpoint %s returned %d", host, re.Response.StatusCode)
		if re.ErrorCode != "" {
			detail += " (" + re.ErrorCode + ")"
		}
		return errors.Wrap(err, errors.KindUpstreamAuth, "token issuance failed").WithDetails(detail)
	case strings.Contains(err.Error(), "missing access_token"):
		return errors.Wrap(err, errors.KindUpstreamAuth, "token issuance failed").
			WithDetails("token endpoint " + host + " returned no access_token")
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, errors.KindUpstreamAuth, "token issuance failed").
			WithDetails("token endpoint " + host + " timed out")
	default:
		return errors.Wrap(err, errors.KindUpstreamAuth, "token issuance failed").
			WithDetails("token endpoint " + host + " unreachable")
	}
}

func hostOf(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}
