package credstore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/crosswire-id/crosswire/internal/ioerr"
)

func testStore(t *testing.T, dir string, creds map[string]ProviderCredential, allowConsent bool) *Store {
	t.Helper()
	if creds != nil {
		data, err := json.Marshal(creds)
		if err != nil {
			t.Fatalf("marshal creds: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, CredentialsFileName), data, 0600); err != nil {
			t.Fatalf("write creds: %v", err)
		}
	}
	s, err := New(Options{Dir: dir, InteractiveConsent: allowConsent, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	plain := []byte(`{"refresh_token":"1//abc"}`)

	sealed, err := seal(key, "workspace", plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := open(key, "workspace", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got) != string(plain) {
		t.Fatalf("round trip: got %q", got)
	}

	// A token file sealed for one provider must not open for another.
	if _, err := open(key, "ims", sealed); err == nil {
		t.Fatal("cross-provider open must fail")
	}
}

func TestMachineKeyCreatedAndReused(t *testing.T) {
	dir := t.TempDir()

	k1, err := loadOrCreateMachineKey(dir)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if len(k1) != 32 {
		t.Fatalf("key length: got %d", len(k1))
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dir, KeyFileName))
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Fatalf("key file mode: got %o, want 600", perm)
		}
	}

	k2, err := loadOrCreateMachineKey(dir)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if string(k1) != string(k2) {
		t.Fatal("machine key must be stable across loads")
	}
}

func TestGetTokenNoCredentials(t *testing.T) {
	s := testStore(t, t.TempDir(), nil, true)

	_, err := s.GetToken(context.Background(), "workspace", []string{"scope.a"})
	if !ioerr.IsKind(err, ioerr.KindCredentialUnavailable) {
		t.Fatalf("want credential_unavailable, got %v", err)
	}
}

func TestGetTokenConsentDisallowed(t *testing.T) {
	creds := map[string]ProviderCredential{
		"workspace": {
			Auth: AuthInstalled,
			Installed: &InstalledClient{
				ClientID: "cid", ClientSecret: "cs",
				AuthURI: "https://auth.example/o/auth", TokenURI: "https://auth.example/token",
			},
		},
	}
	s := testStore(t, t.TempDir(), creds, false)

	_, err := s.GetToken(context.Background(), "workspace", []string{"scope.a"})
	if !ioerr.IsKind(err, ioerr.KindConsentRequired) {
		t.Fatalf("want consent_required, got %v", err)
	}
}

func testRSAKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func TestServiceAccountMintAndDelegationDenied(t *testing.T) {
	keyPEM := testRSAKeyPEM(t)

	deny := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if deny {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"unauthorized_client","error_description":"client not authorized for subject"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-delegated","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	creds := map[string]ProviderCredential{
		"workspace": {
			Auth:    AuthServiceAccount,
			Subject: "admin@acme.test",
			ServiceAccount: &ServiceAccountKey{
				ClientEmail: "svc@acme.iam.test",
				PrivateKey:  keyPEM,
				TokenURI:    srv.URL,
			},
		},
	}
	s := testStore(t, t.TempDir(), creds, false)

	tok, err := s.GetToken(context.Background(), "workspace", []string{"scope.a", "scope.b"})
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.AccessToken != "at-delegated" {
		t.Fatalf("access token: got %q", tok.AccessToken)
	}
	if time.Until(tok.Expiry) < minLifetime {
		t.Fatalf("lifetime below floor: %v", time.Until(tok.Expiry))
	}

	deny = true
	_, err = s.Refresh(context.Background(), "workspace", []string{"scope.a", "scope.b"})
	if !ioerr.IsKind(err, ioerr.KindDelegationDenied) {
		t.Fatalf("want delegation_denied, got %v", err)
	}
}

func TestInstalledRefreshFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("refresh_token") != "1//saved" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-refreshed","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	creds := map[string]ProviderCredential{
		"workspace": {
			Auth: AuthInstalled,
			Installed: &InstalledClient{
				ClientID: "cid", ClientSecret: "cs",
				AuthURI: srv.URL + "/auth", TokenURI: srv.URL,
			},
		},
	}
	s := testStore(t, dir, creds, false)

	if err := s.StoreToken("workspace", &oauth2.Token{RefreshToken: "1//saved"}, []string{"scope.a"}); err != nil {
		t.Fatalf("StoreToken: %v", err)
	}

	tok, err := s.GetToken(context.Background(), "workspace", []string{"scope.a"})
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.AccessToken != "at-refreshed" {
		t.Fatalf("access token: got %q", tok.AccessToken)
	}

	// Requesting beyond the consented scope set must fail, not downgrade.
	_, err = s.GetToken(context.Background(), "workspace", []string{"scope.a", "scope.widen"})
	if !ioerr.IsKind(err, ioerr.KindForbidden) {
		t.Fatalf("want forbidden on scope widening, got %v", err)
	}
}

func TestStoreTokenPersistsOnlyRefreshPortion(t *testing.T) {
	dir := t.TempDir()
	s := testStore(t, dir, nil, false)

	full := &oauth2.Token{
		AccessToken:  "at-should-not-persist",
		RefreshToken: "1//keepme",
		Expiry:       time.Now().Add(time.Hour),
	}
	if err := s.StoreToken("workspace", full, []string{"scope.a"}); err != nil {
		t.Fatalf("StoreToken: %v", err)
	}

	saved, err := s.loadSealed("workspace")
	if err != nil {
		t.Fatalf("loadSealed: %v", err)
	}
	if saved.RefreshToken != "1//keepme" {
		t.Fatalf("refresh token: got %q", saved.RefreshToken)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "workspace.token"))
	if err != nil {
		t.Fatalf("read token file: %v", err)
	}
	if string(raw) == "" || string(raw) == "1//keepme" {
		t.Fatal("token file must be sealed")
	}
	if runtime.GOOS != "windows" {
		info, _ := os.Stat(filepath.Join(dir, "workspace.token"))
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Fatalf("token file mode: got %o, want 600", perm)
		}
	}
}

func TestConsentFlowStoresRefreshToken(t *testing.T) {
	dir := t.TempDir()
	creds := map[string]ProviderCredential{
		"workspace": {
			Auth: AuthInstalled,
			Installed: &InstalledClient{
				ClientID: "cid", ClientSecret: "cs",
				AuthURI: "https://auth.example/auth", TokenURI: "https://auth.example/token",
			},
		},
	}

	consent := func(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
		return &oauth2.Token{
			AccessToken:  "at-consented",
			RefreshToken: "1//fresh",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}

	data, _ := json.Marshal(creds)
	if err := os.WriteFile(filepath.Join(dir, CredentialsFileName), data, 0600); err != nil {
		t.Fatalf("write creds: %v", err)
	}
	s, err := New(Options{Dir: dir, InteractiveConsent: true, Logger: zerolog.Nop(), Consent: consent})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tok, err := s.GetToken(context.Background(), "workspace", []string{"scope.a"})
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.AccessToken != "at-consented" {
		t.Fatalf("access token: got %q", tok.AccessToken)
	}

	saved, err := s.loadSealed("workspace")
	if err != nil || saved == nil {
		t.Fatalf("loadSealed after consent: %v, %v", saved, err)
	}
	if saved.RefreshToken != "1//fresh" {
		t.Fatalf("persisted refresh token: got %q", saved.RefreshToken)
	}
}
