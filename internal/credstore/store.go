// Package credstore loads provider credentials, mints scoped access tokens,
// and persists refresh material sealed under a machine-local key. Two
// credential kinds are supported: installed-application OAuth (interactive
// consent on a loopback port) and service accounts with domain-wide
// delegation. The store never logs secret material.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"

	"github.com/crosswire-id/crosswire/internal/ioerr"
)

const (
	// CredentialsFileName is the untouched provider-issued blob.
	CredentialsFileName = "credentials.json"

	// minLifetime is the floor on remaining token lifetime at egress.
	minLifetime = 5 * time.Minute
)

// AuthKind names a credential kind. The caller selects the kind per provider
// in credentials.json; there is no implicit precedence.
type AuthKind string

const (
	AuthInstalled      AuthKind = "installed"
	AuthServiceAccount AuthKind = "service_account"
)

// InstalledClient is the OAuth client blob for the installed-app flow.
type InstalledClient struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	AuthURI      string   `json:"auth_uri"`
	TokenURI     string   `json:"token_uri"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
}

// ServiceAccountKey is the service-account blob for delegated assertions.
type ServiceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// ProviderCredential selects and configures one provider's credential.
type ProviderCredential struct {
	Auth           AuthKind           `json:"auth"`
	Installed      *InstalledClient   `json:"installed,omitempty"`
	ServiceAccount *ServiceAccountKey `json:"service_account,omitempty"`
	// Subject is the administrator whose authority delegated tokens assert.
	Subject string `json:"subject,omitempty"`
}

// Token is an access token with its granted scope set.
type Token struct {
	AccessToken string
	Expiry      time.Time
	Scopes      []string
}

// AuthRecorder receives authentication events for the audit log.
type AuthRecorder interface {
	AuthEvent(provider, event, outcome string)
}

// ConsentFunc runs the interactive consent flow and returns the exchanged
// token. Swapped out in tests.
type ConsentFunc func(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error)

// Store is the credential store. All methods are safe for concurrent use.
type Store struct {
	dir          string
	allowConsent bool
	logger       zerolog.Logger
	recorder     AuthRecorder
	consent      ConsentFunc

	mu         sync.Mutex
	machineKey []byte
	creds      map[string]ProviderCredential
	tokens     map[string]*Token // provider+scopes -> minted token
}

// Options configures a Store.
type Options struct {
	Dir                string
	InteractiveConsent bool
	Logger             zerolog.Logger
	Recorder           AuthRecorder
	Consent            ConsentFunc
}

// New opens the credential store rooted at opts.Dir, creating the machine
// key on first run. A missing credentials.json is not an error; every
// GetToken then fails with CredentialUnavailable.
func New(opts Options) (*Store, error) {
	key, err := loadOrCreateMachineKey(opts.Dir)
	if err != nil {
		return nil, err
	}

	creds := make(map[string]ProviderCredential)
	data, err := os.ReadFile(filepath.Join(opts.Dir, CredentialsFileName))
	if err == nil {
		if err := json.Unmarshal(data, &creds); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", CredentialsFileName, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	s := &Store{
		dir:          opts.Dir,
		allowConsent: opts.InteractiveConsent,
		logger:       opts.Logger,
		recorder:     opts.Recorder,
		consent:      opts.Consent,
		machineKey:   key,
		creds:        creds,
		tokens:       make(map[string]*Token),
	}
	if s.consent == nil {
		s.consent = loopbackConsent
	}
	return s, nil
}

// GetToken returns a token for the provider covering every requested scope,
// with at least five minutes of remaining lifetime.
func (s *Store) GetToken(ctx context.Context, provider string, scopes []string) (*Token, error) {
	s.mu.Lock()
	if tok, ok := s.tokens[tokenKey(provider, scopes)]; ok && time.Until(tok.Expiry) >= minLifetime {
		s.mu.Unlock()
		return tok, nil
	}
	cred, ok := s.creds[provider]
	s.mu.Unlock()

	if !ok {
		return nil, ioerr.New(ioerr.KindCredentialUnavailable, "no credentials configured for provider "+provider).
			WithDetail("provider", provider)
	}

	tok, err := s.mint(ctx, provider, cred, scopes)
	s.record(provider, "token_grant", err)
	if err != nil {
		return nil, err
	}

	if missing := missingScopes(scopes, tok.Scopes); len(missing) > 0 {
		return nil, ioerr.New(ioerr.KindForbidden, "granted scopes do not cover request").
			WithDetail("provider", provider).
			WithDetail("missing_scope", strings.Join(missing, " "))
	}

	s.mu.Lock()
	s.tokens[tokenKey(provider, scopes)] = tok
	s.mu.Unlock()
	return tok, nil
}

// Refresh discards any minted token for the provider and mints a fresh one.
// Used by the adapter retry path after AuthExpired.
func (s *Store) Refresh(ctx context.Context, provider string, scopes []string) (*Token, error) {
	s.mu.Lock()
	delete(s.tokens, tokenKey(provider, scopes))
	s.mu.Unlock()
	tok, err := s.GetToken(ctx, provider, scopes)
	s.record(provider, "token_refresh", err)
	return tok, err
}

// HasCredential reports whether any credential is configured for the provider.
func (s *Store) HasCredential(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.creds[provider]
	return ok
}

func (s *Store) mint(ctx context.Context, provider string, cred ProviderCredential, scopes []string) (*Token, error) {
	switch cred.Auth {
	case AuthServiceAccount:
		return s.mintDelegated(ctx, provider, cred, scopes)
	case AuthInstalled:
		return s.mintInstalled(ctx, provider, cred, scopes)
	default:
		return nil, ioerr.New(ioerr.KindCredentialUnavailable, "unknown credential kind for provider "+provider).
			WithDetail("provider", provider).
			WithDetail("kind", string(cred.Auth))
	}
}

// mintDelegated signs a bearer assertion for the configured subject and
// exchanges it at the token URI.
func (s *Store) mintDelegated(ctx context.Context, provider string, cred ProviderCredential, scopes []string) (*Token, error) {
	sa := cred.ServiceAccount
	if sa == nil || sa.PrivateKey == "" || sa.ClientEmail == "" {
		return nil, ioerr.New(ioerr.KindCredentialUnavailable, "service account key incomplete for provider "+provider).
			WithDetail("provider", provider)
	}

	cfg := &jwt.Config{
		Email:      sa.ClientEmail,
		PrivateKey: []byte(sa.PrivateKey),
		Scopes:     scopes,
		Subject:    cred.Subject,
		TokenURL:   sa.TokenURI,
	}

	tok, err := cfg.TokenSource(ctx).Token()
	if err != nil {
		return nil, mapTokenErr(provider, cred.Auth, err)
	}

	return &Token{AccessToken: tok.AccessToken, Expiry: tok.Expiry, Scopes: scopes}, nil
}

// mintInstalled redeems the persisted refresh token, running the interactive
// consent flow when no refresh material exists yet.
func (s *Store) mintInstalled(ctx context.Context, provider string, cred ProviderCredential, scopes []string) (*Token, error) {
	ic := cred.Installed
	if ic == nil || ic.ClientID == "" {
		return nil, ioerr.New(ioerr.KindCredentialUnavailable, "installed client blob incomplete for provider "+provider).
			WithDetail("provider", provider)
	}

	cfg := &oauth2.Config{
		ClientID:     ic.ClientID,
		ClientSecret: ic.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: ic.AuthURI, TokenURL: ic.TokenURI},
		Scopes:       scopes,
	}

	saved, err := s.loadSealed(provider)
	if err != nil {
		return nil, err
	}

	if saved == nil {
		if !s.allowConsent {
			return nil, ioerr.New(ioerr.KindConsentRequired, "interactive consent needed for provider "+provider).
				WithDetail("provider", provider)
		}
		s.record(provider, "consent_flow", nil)
		tok, err := s.consent(ctx, cfg)
		if err != nil {
			return nil, mapTokenErr(provider, cred.Auth, err)
		}
		if err := s.StoreToken(provider, tok, scopes); err != nil {
			return nil, err
		}
		return &Token{AccessToken: tok.AccessToken, Expiry: tok.Expiry, Scopes: scopes}, nil
	}

	// The consented scope set bounds what a refresh can yield.
	if missing := missingScopes(scopes, saved.Scopes); len(missing) > 0 {
		return nil, ioerr.New(ioerr.KindForbidden, "persisted consent does not cover requested scopes").
			WithDetail("provider", provider).
			WithDetail("missing_scope", strings.Join(missing, " "))
	}

	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: saved.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, mapTokenErr(provider, cred.Auth, err)
	}
	if time.Until(tok.Expiry) < minLifetime {
		// Re-mint from the refresh token alone for a full-lifetime token.
		tok, err = cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: saved.RefreshToken}).Token()
		if err != nil {
			return nil, mapTokenErr(provider, cred.Auth, err)
		}
	}

	if tok.RefreshToken != "" && tok.RefreshToken != saved.RefreshToken {
		if err := s.StoreToken(provider, tok, saved.Scopes); err != nil {
			return nil, err
		}
	}
	return &Token{AccessToken: tok.AccessToken, Expiry: tok.Expiry, Scopes: saved.Scopes}, nil
}

// sealedToken is the persisted refresh portion. Access tokens are never
// written to disk.
type sealedToken struct {
	RefreshToken string    `json:"refresh_token"`
	Scopes       []string  `json:"scopes"`
	ObtainedAt   time.Time `json:"obtained_at"`
}

// StoreToken seals the refresh portion of a token to <provider>.token.
func (s *Store) StoreToken(provider string, tok *oauth2.Token, scopes []string) error {
	if tok.RefreshToken == "" {
		return nil
	}
	plain, err := json.Marshal(sealedToken{
		RefreshToken: tok.RefreshToken,
		Scopes:       scopes,
		ObtainedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshaling token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sealed, err := seal(s.machineKey, provider, plain)
	if err != nil {
		return err
	}
	return os.WriteFile(s.tokenPath(provider), sealed, 0600)
}

// loadSealed returns nil without error when no token file exists; an
// operator deleting the file forces re-consent on next use.
func (s *Store) loadSealed(provider string) (*sealedToken, error) {
	data, err := os.ReadFile(s.tokenPath(provider))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading token file: %w", err)
	}

	s.mu.Lock()
	plain, err := open(s.machineKey, provider, data)
	s.mu.Unlock()
	if err != nil {
		return nil, ioerr.Wrap(ioerr.KindCredentialUnavailable, "token file unreadable for provider "+provider, err).
			WithDetail("provider", provider)
	}

	var st sealedToken
	if err := json.Unmarshal(plain, &st); err != nil {
		return nil, fmt.Errorf("parsing token file: %w", err)
	}
	return &st, nil
}

func (s *Store) tokenPath(provider string) string {
	return filepath.Join(s.dir, provider+".token")
}

func (s *Store) record(provider, event string, err error) {
	if s.recorder == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(ioerr.KindOf(err))
	}
	s.recorder.AuthEvent(provider, event, outcome)
}

func tokenKey(provider string, scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	return provider + "\x00" + strings.Join(sorted, " ")
}

func missingScopes(requested, granted []string) []string {
	have := make(map[string]bool, len(granted))
	for _, g := range granted {
		have[g] = true
	}
	var missing []string
	for _, r := range requested {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	return missing
}

// mapTokenErr translates oauth2 failures into the error taxonomy.
func mapTokenErr(provider string, kind AuthKind, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		body := strings.ToLower(string(rerr.Body))
		switch {
		case rerr.Response != nil && rerr.Response.StatusCode >= 500:
			return ioerr.Wrap(ioerr.KindTransient, "token endpoint unavailable", err).
				WithDetail("provider", provider)
		case strings.Contains(body, "unauthorized_client") || strings.Contains(body, "access_denied"):
			if kind == AuthServiceAccount {
				return ioerr.Wrap(ioerr.KindDelegationDenied, "subject has not authorized the requested scopes", err).
					WithDetail("provider", provider)
			}
			return ioerr.Wrap(ioerr.KindForbidden, "authorization rejected", err).
				WithDetail("provider", provider)
		case strings.Contains(body, "invalid_grant"):
			if kind == AuthInstalled {
				return ioerr.Wrap(ioerr.KindConsentRequired, "refresh token no longer valid", err).
					WithDetail("provider", provider)
			}
			return ioerr.Wrap(ioerr.KindDelegationDenied, "assertion rejected", err).
				WithDetail("provider", provider)
		default:
			return ioerr.Wrap(ioerr.KindCredentialUnavailable, "token exchange failed", err).
				WithDetail("provider", provider)
		}
	}

	var uerr *url.Error
	if errors.As(err, &uerr) {
		return ioerr.Wrap(ioerr.KindTransient, "token endpoint unreachable", err).
			WithDetail("provider", provider)
	}
	return ioerr.Wrap(ioerr.KindCredentialUnavailable, "token acquisition failed", err).
		WithDetail("provider", provider)
}
