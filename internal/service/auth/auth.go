// Package auth verifies caller identity and resolves the organisation that
// scopes every data access. Two credential shapes are accepted: GitHub
// Actions OIDC tokens (organisation taken from the repository_owner claim)
// and GitHub personal access tokens (organisation asserted via header and
// checked against the caller's memberships).
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/martocorp/deployment-queue-api/internal/cache"
	"github.com/martocorp/deployment-queue-api/internal/domain"
)

// Error carries the HTTP status the transport layer should answer with.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	errMissingToken  = &Error{Status: http.StatusUnauthorized, Message: "missing credentials"}
	errInvalidToken  = &Error{Status: http.StatusUnauthorized, Message: "invalid credentials"}
	errMissingOrg    = &Error{Status: http.StatusBadRequest, Message: "X-Organisation header required for token authentication"}
	errNotMember     = &Error{Status: http.StatusForbidden, Message: "not a member of the requested organisation"}
	errOrgNotAllowed = &Error{Status: http.StatusForbidden, Message: "organisation is not allowed"}
	errUpstream      = &Error{Status: http.StatusServiceUnavailable, Message: "identity provider unreachable"}
)

// Identity sources reported on verified identities.
const (
	SourceOIDC = "github-oidc"
	SourcePAT  = "github-pat"
	SourceDev  = "dev"
)

// Config controls credential verification.
type Config struct {
	Enabled              bool
	DevOrganisation      string
	OIDCIssuer           string
	Audience             string
	GitHubAPIURL         string
	GitHubAPIVersion     string
	AllowedOrganisations []string
	JWKSCacheTTL         time.Duration
	OrgCacheTTL          time.Duration
	HTTPTimeout          time.Duration
}

// Service verifies credentials against GitHub.
type Service struct {
	cfg     Config
	client  *http.Client
	log     *slog.Logger
	keys    *cache.Cache[string, *rsa.PublicKey]
	orgs    *cache.Cache[string, []string]
	allowed map[string]struct{}

	// onAuth, when set, observes every verification attempt.
	onAuth func(method string, success bool)
}

// New constructs the auth service. Zero config values get GitHub defaults.
func New(cfg Config, log *slog.Logger) *Service {
	if cfg.OIDCIssuer == "" {
		cfg.OIDCIssuer = "https://token.actions.githubusercontent.com"
	}
	if cfg.GitHubAPIURL == "" {
		cfg.GitHubAPIURL = "https://api.github.com"
	}
	if cfg.GitHubAPIVersion == "" {
		cfg.GitHubAPIVersion = "2022-11-28"
	}
	if cfg.JWKSCacheTTL <= 0 {
		cfg.JWKSCacheTTL = time.Hour
	}
	if cfg.OrgCacheTTL <= 0 {
		cfg.OrgCacheTTL = 5 * time.Minute
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedOrganisations))
	for _, org := range cfg.AllowedOrganisations {
		org = strings.ToLower(strings.TrimSpace(org))
		if org != "" {
			allowed[org] = struct{}{}
		}
	}
	return &Service{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		log:     log,
		keys:    cache.New[string, *rsa.PublicKey](cfg.JWKSCacheTTL, nil),
		orgs:    cache.New[string, []string](cfg.OrgCacheTTL, nil),
		allowed: allowed,
	}
}

// OnAuth installs an observer for verification attempts.
func (s *Service) OnAuth(fn func(method string, success bool)) {
	s.onAuth = fn
}

// Verify resolves the caller's identity from the bearer token. orgHeader is
// the organisation asserted by PAT callers; OIDC callers are identified by
// their token claims and the header is ignored.
func (s *Service) Verify(ctx context.Context, token, orgHeader string) (domain.Identity, error) {
	if !s.cfg.Enabled {
		org := s.cfg.DevOrganisation
		if orgHeader != "" {
			org = orgHeader
		}
		return domain.Identity{Organisation: strings.ToLower(org), Source: SourceDev}, nil
	}
	if token == "" {
		s.observe("none", false)
		return domain.Identity{}, errMissingToken
	}

	var (
		identity domain.Identity
		method   string
		err      error
	)
	if looksLikeJWT(token) {
		method = "oidc"
		identity, err = s.verifyOIDC(ctx, token)
	} else {
		method = "pat"
		identity, err = s.verifyPAT(ctx, token, orgHeader)
	}
	if err != nil {
		s.observe(method, false)
		return domain.Identity{}, err
	}

	identity.Organisation = strings.ToLower(identity.Organisation)
	if !s.organisationAllowed(identity.Organisation) {
		s.observe(method, false)
		return domain.Identity{}, errOrgNotAllowed
	}
	s.observe(method, true)
	return identity, nil
}

func (s *Service) organisationAllowed(org string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[org]
	return ok
}

func (s *Service) observe(method string, success bool) {
	if s.onAuth != nil {
		s.onAuth(method, success)
	}
}

// looksLikeJWT distinguishes OIDC tokens from PATs by shape: a JWT has
// exactly three dot-separated segments.
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

type oidcClaims struct {
	jwt.RegisteredClaims
	RepositoryOwner string `json:"repository_owner"`
	Repository      string `json:"repository"`
	Workflow        string `json:"workflow"`
	Actor           string `json:"actor"`
}

func (s *Service) verifyOIDC(ctx context.Context, token string) (domain.Identity, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(s.cfg.OIDCIssuer),
		jwt.WithExpirationRequired(),
	}
	if s.cfg.Audience != "" {
		options = append(options, jwt.WithAudience(s.cfg.Audience))
	}

	claims := &oidcClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return s.signingKey(ctx, kid)
	}, options...)
	if err != nil {
		var authErr *Error
		if errors.As(err, &authErr) {
			return domain.Identity{}, authErr
		}
		s.log.Debug("oidc verification failed", "error", err)
		return domain.Identity{}, errInvalidToken
	}
	if !parsed.Valid || claims.RepositoryOwner == "" {
		return domain.Identity{}, errInvalidToken
	}

	return domain.Identity{
		Organisation: claims.RepositoryOwner,
		Source:       SourceOIDC,
		Repository:   claims.Repository,
		Workflow:     claims.Workflow,
		Actor:        claims.Actor,
	}, nil
}

// signingKey returns the RSA public key for kid, fetching the issuer's JWKS
// on a cache miss.
func (s *Service) signingKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := s.keys.Get(kid); ok {
		return key, nil
	}
	if err := s.refreshJWKS(ctx); err != nil {
		return nil, err
	}
	if key, ok := s.keys.Get(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("no signing key for kid %q", kid)
}

type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (s *Service) refreshJWKS(ctx context.Context) error {
	url := strings.TrimSuffix(s.cfg.OIDCIssuer, "/") + "/.well-known/jwks"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("jwks fetch failed", "url", url, "error", err)
		return errUpstream
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.log.Warn("jwks fetch returned non-200", "url", url, "status", resp.StatusCode)
		return errUpstream
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		key, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			s.log.Warn("skipping malformed jwk", "kid", k.Kid, "error", err)
			continue
		}
		s.keys.Set(k.Kid, key)
	}
	return nil
}

func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exponent := 0
	for _, b := range eBytes {
		exponent = exponent<<8 | int(b)
	}
	if exponent <= 0 {
		return nil, errors.New("non-positive exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: exponent,
	}, nil
}

func (s *Service) verifyPAT(ctx context.Context, token, orgHeader string) (domain.Identity, error) {
	if orgHeader == "" {
		return domain.Identity{}, errMissingOrg
	}
	org := strings.ToLower(orgHeader)

	login, err := s.githubUser(ctx, token)
	if err != nil {
		return domain.Identity{}, err
	}

	cacheKey := login + ":" + tokenPrefix(token)
	memberships, ok := s.orgs.Get(cacheKey)
	if !ok {
		memberships, err = s.githubOrgs(ctx, token)
		if err != nil {
			return domain.Identity{}, err
		}
		s.orgs.Set(cacheKey, memberships)
	}

	for _, member := range memberships {
		if strings.ToLower(member) == org {
			return domain.Identity{
				Organisation: org,
				Source:       SourcePAT,
				Actor:        login,
			}, nil
		}
	}
	return domain.Identity{}, errNotMember
}

func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}

func (s *Service) githubUser(ctx context.Context, token string) (string, error) {
	var user struct {
		Login string `json:"login"`
	}
	if err := s.githubGet(ctx, token, "/user", &user); err != nil {
		return "", err
	}
	if user.Login == "" {
		return "", errInvalidToken
	}
	return user.Login, nil
}

const (
	orgsPerPage  = 100
	orgsMaxPages = 10
)

// githubOrgs walks the caller's organisation memberships page by page.
// Membership beyond orgsMaxPages*orgsPerPage organisations is not resolved.
func (s *Service) githubOrgs(ctx context.Context, token string) ([]string, error) {
	var orgs []string
	for page := 1; page <= orgsMaxPages; page++ {
		var raw []struct {
			Login string `json:"login"`
		}
		path := fmt.Sprintf("/user/orgs?per_page=%d&page=%d", orgsPerPage, page)
		if err := s.githubGet(ctx, token, path, &raw); err != nil {
			return nil, err
		}
		for _, o := range raw {
			orgs = append(orgs, o.Login)
		}
		if len(raw) < orgsPerPage {
			break
		}
	}
	return orgs, nil
}

func (s *Service) githubGet(ctx context.Context, token, path string, out any) error {
	url := strings.TrimSuffix(s.cfg.GitHubAPIURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", s.cfg.GitHubAPIVersion)

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("github api unreachable", "path", path, "error", err)
		return errUpstream
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errInvalidToken
	default:
		s.log.Warn("github api unexpected status", "path", path, "status", resp.StatusCode)
		return errUpstream
	}
}
