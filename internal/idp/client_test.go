package idp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testClientID = "11111111-2222-3333-4444-555555555555"
	testKeyID    = "test-key"
)

// fakeIdP is a minimal OIDC provider: discovery document, JWKS endpoint and a
// token endpoint serving both the authorization-code and refresh grants.
type fakeIdP struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey

	// identity embedded in issued ID tokens
	subject           string
	preferredUsername string
	email             string
	nonce             string
	omitIDToken       bool

	refreshTokenToIssue string

	exchangeForms []url.Values
	refreshForms  []url.Values
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}

	f := &fakeIdP{
		t:                   t,
		key:                 key,
		subject:             "sub-alice",
		preferredUsername:   "alice@example.org",
		refreshTokenToIssue: "rt-fresh",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", f.handleDiscovery)
	mux.HandleFunc("/keys", f.handleJWKS)
	mux.HandleFunc("/token", f.handleToken)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIdP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(f.t, w, map[string]any{
		"issuer":                 f.srv.URL,
		"authorization_endpoint": f.srv.URL + "/authorize",
		"token_endpoint":         f.srv.URL + "/token",
		"jwks_uri":               f.srv.URL + "/keys",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (f *fakeIdP) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(f.t, w, map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": testKeyID,
			"n":   base64.RawURLEncoding.EncodeToString(f.key.N.Bytes()),
			"e":   "AQAB",
		}},
	})
}

func (f *fakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	response := map[string]any{
		"token_type": "Bearer",
		"expires_in": 3600,
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		f.exchangeForms = append(f.exchangeForms, r.PostForm)
		response["access_token"] = "access-from-exchange"
		response["refresh_token"] = f.refreshTokenToIssue
		if !f.omitIDToken {
			response["id_token"] = f.signIDToken()
		}
	case "refresh_token":
		f.refreshForms = append(f.refreshForms, r.PostForm)
		response["access_token"] = "access-from-refresh"
		response["refresh_token"] = f.refreshTokenToIssue
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unsupported_grant_type"})
		return
	}

	writeJSON(f.t, w, response)
}

func (f *fakeIdP) signIDToken() string {
	f.t.Helper()

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": f.srv.URL,
		"aud": testClientID,
		"sub": f.subject,
		"iat": now.Add(-time.Minute).Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	if f.nonce != "" {
		claims["nonce"] = f.nonce
	}
	if f.preferredUsername != "" {
		claims["preferred_username"] = f.preferredUsername
	}
	if f.email != "" {
		claims["email"] = f.email
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID

	signed, err := token.SignedString(f.key)
	if err != nil {
		f.t.Fatalf("signing id_token: %v", err)
	}
	return signed
}

func (f *fakeIdP) newClient(cache *Cache) *Client {
	f.t.Helper()

	client, err := NewClient(Options{
		Issuer:     f.srv.URL,
		ClientID:   testClientID,
		Scopes:     []string{"https://outlook.office.com/IMAP.AccessAsUser.All"},
		HTTPClient: f.srv.Client(),
	}, cache)
	if err != nil {
		f.t.Fatalf("NewClient() error: %v", err)
	}
	return client
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encoding response: %v", err)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Options{}, NewCache()); err == nil {
		t.Error("NewClient() without client id should fail")
	}
	if _, err := NewClient(Options{ClientID: testClientID}, nil); err == nil {
		t.Error("NewClient() without cache should fail")
	}
}

func TestAuthCodeURL(t *testing.T) {
	f := newFakeIdP(t)
	client := f.newClient(NewCache())

	rawURL, err := client.AuthCodeURL("state-1", "nonce-1", "http://localhost:5000/getToken")
	if err != nil {
		t.Fatalf("AuthCodeURL() error: %v", err)
	}

	if !strings.HasPrefix(rawURL, f.srv.URL+"/authorize?") {
		t.Errorf("authorization URL = %q, want prefix %q", rawURL, f.srv.URL+"/authorize?")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parsing authorization URL: %v", err)
	}
	q := parsed.Query()
	if got := q.Get("response_type"); got != "code" {
		t.Errorf("response_type = %q, want %q", got, "code")
	}
	if got := q.Get("client_id"); got != testClientID {
		t.Errorf("client_id = %q, want %q", got, testClientID)
	}
	if got := q.Get("state"); got != "state-1" {
		t.Errorf("state = %q, want %q", got, "state-1")
	}
	if got := q.Get("nonce"); got != "nonce-1" {
		t.Errorf("nonce = %q, want %q", got, "nonce-1")
	}
	if got := q.Get("redirect_uri"); got != "http://localhost:5000/getToken" {
		t.Errorf("redirect_uri = %q, want %q", got, "http://localhost:5000/getToken")
	}

	scopes := strings.Fields(q.Get("scope"))
	for _, want := range []string{"https://outlook.office.com/IMAP.AccessAsUser.All", "openid", "offline_access"} {
		if !slices.Contains(scopes, want) {
			t.Errorf("scope %q missing from %v", want, scopes)
		}
	}
}

func TestExchangeVerifiesAndCaches(t *testing.T) {
	f := newFakeIdP(t)
	f.nonce = "nonce-1"

	cache := NewCache()
	client := f.newClient(cache)

	token, err := client.Exchange(context.Background(), "auth-code-1", "nonce-1", "http://localhost:5000/getToken")
	if err != nil {
		t.Fatalf("Exchange() error: %v", err)
	}

	if token.AccessToken != "access-from-exchange" {
		t.Errorf("AccessToken = %q, want %q", token.AccessToken, "access-from-exchange")
	}
	if token.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want %q", token.TokenType, "Bearer")
	}
	if token.Account.Username != "alice@example.org" {
		t.Errorf("Username = %q, want %q", token.Account.Username, "alice@example.org")
	}
	if token.Account.HomeID != "sub-alice" {
		t.Errorf("HomeID = %q, want %q", token.Account.HomeID, "sub-alice")
	}
	if token.Expiry.IsZero() {
		t.Error("Expiry not set from expires_in")
	}

	if len(f.exchangeForms) != 1 {
		t.Fatalf("token endpoint saw %d exchange requests, want 1", len(f.exchangeForms))
	}
	form := f.exchangeForms[0]
	if got := form.Get("code"); got != "auth-code-1" {
		t.Errorf("exchanged code = %q, want %q", got, "auth-code-1")
	}
	if got := form.Get("redirect_uri"); got != "http://localhost:5000/getToken" {
		t.Errorf("redirect_uri = %q, want %q", got, "http://localhost:5000/getToken")
	}

	// Refresh material landed in the cache.
	if !cache.HasChanged() {
		t.Error("cache should be dirty after a successful exchange")
	}
	if got := cache.RefreshToken(token.Account); got != "rt-fresh" {
		t.Errorf("cached refresh token = %q, want %q", got, "rt-fresh")
	}
}

func TestExchangeFallsBackToEmailClaim(t *testing.T) {
	f := newFakeIdP(t)
	f.nonce = "nonce-1"
	f.preferredUsername = ""
	f.email = "fallback@example.org"

	client := f.newClient(NewCache())

	token, err := client.Exchange(context.Background(), "auth-code-1", "nonce-1", "http://localhost:5000/getToken")
	if err != nil {
		t.Fatalf("Exchange() error: %v", err)
	}
	if token.Account.Username != "fallback@example.org" {
		t.Errorf("Username = %q, want the email claim", token.Account.Username)
	}
}

func TestExchangeRejectsNonceMismatch(t *testing.T) {
	f := newFakeIdP(t)
	f.nonce = "nonce-from-another-flow"

	cache := NewCache()
	client := f.newClient(cache)

	_, err := client.Exchange(context.Background(), "auth-code-1", "nonce-1", "http://localhost:5000/getToken")
	if err == nil {
		t.Fatal("Exchange() with mismatched nonce should fail")
	}
	if !strings.Contains(err.Error(), "nonce") {
		t.Errorf("error = %v, want a nonce mismatch", err)
	}
	if cache.HasChanged() {
		t.Error("cache must stay clean after a rejected exchange")
	}
}

func TestExchangeRejectsMissingIDToken(t *testing.T) {
	f := newFakeIdP(t)
	f.omitIDToken = true

	client := f.newClient(NewCache())

	if _, err := client.Exchange(context.Background(), "auth-code-1", "nonce-1", "http://localhost:5000/getToken"); err == nil {
		t.Fatal("Exchange() without id_token should fail")
	}
}

func TestAcquireSilentRefreshesAndRotates(t *testing.T) {
	f := newFakeIdP(t)
	f.refreshTokenToIssue = "rt-rotated"

	account := Account{Username: "alice@example.org", HomeID: "sub-alice"}
	cache := NewCache()
	cache.Put(account, "rt-initial", nil)

	client := f.newClient(cache)

	token, err := client.AcquireSilent(context.Background(), account)
	if err != nil {
		t.Fatalf("AcquireSilent() error: %v", err)
	}
	if token.AccessToken != "access-from-refresh" {
		t.Errorf("AccessToken = %q, want %q", token.AccessToken, "access-from-refresh")
	}
	if token.Account != account {
		t.Errorf("Account = %+v, want %+v", token.Account, account)
	}

	if len(f.refreshForms) != 1 {
		t.Fatalf("token endpoint saw %d refresh requests, want 1", len(f.refreshForms))
	}
	if got := f.refreshForms[0].Get("refresh_token"); got != "rt-initial" {
		t.Errorf("refresh grant used token %q, want %q", got, "rt-initial")
	}

	// Rotation written back.
	if got := cache.RefreshToken(account); got != "rt-rotated" {
		t.Errorf("cached refresh token = %q, want %q", got, "rt-rotated")
	}
}

func TestAcquireSilentWithoutMaterial(t *testing.T) {
	f := newFakeIdP(t)
	client := f.newClient(NewCache())

	if _, err := client.AcquireSilent(context.Background(), Account{Username: "nobody@example.org"}); err == nil {
		t.Fatal("AcquireSilent() without cached material should fail")
	}
	if len(f.refreshForms) != 0 {
		t.Errorf("token endpoint saw %d refresh requests, want 0", len(f.refreshForms))
	}
}

func TestWithOIDCScopes(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		want   []string
	}{
		{
			name:   "appends both",
			scopes: []string{"mail.read"},
			want:   []string{"mail.read", "openid", "offline_access"},
		},
		{
			name:   "no duplicates",
			scopes: []string{"openid", "mail.read", "offline_access"},
			want:   []string{"openid", "mail.read", "offline_access"},
		},
		{
			name:   "empty input",
			scopes: nil,
			want:   []string{"openid", "offline_access"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := withOIDCScopes(tt.scopes)
			if !slices.Equal(got, tt.want) {
				t.Errorf("withOIDCScopes(%v) = %v, want %v", tt.scopes, got, tt.want)
			}
		})
	}
}

func TestGenerateState(t *testing.T) {
	seen := make(map[string]bool)
	for range 32 {
		state, err := GenerateState()
		if err != nil {
			t.Fatalf("GenerateState() error: %v", err)
		}
		if len(state) != 43 { // 32 bytes, unpadded base64url
			t.Errorf("len(state) = %d, want 43", len(state))
		}
		if strings.ContainsAny(state, "+/=") {
			t.Errorf("state %q is not URL-safe", state)
		}
		if seen[state] {
			t.Errorf("GenerateState() repeated %q", state)
		}
		seen[state] = true
	}
}

func TestMicrosoftIssuer(t *testing.T) {
	if got := MicrosoftIssuer("common"); got != "https://login.microsoftonline.com/common/v2.0" {
		t.Errorf("MicrosoftIssuer(common) = %q", got)
	}
	if got := MicrosoftIssuer("11111111-2222-3333-4444-555555555555"); got != "https://login.microsoftonline.com/11111111-2222-3333-4444-555555555555/v2.0" {
		t.Errorf("MicrosoftIssuer(tenant) = %q", got)
	}
}
