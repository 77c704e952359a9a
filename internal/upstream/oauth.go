package upstream

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mcpman/mcpman/internal/config"
)

// authorizationWait bounds how long an authorization flow waits for the
// external callback server to deliver the code.
const authorizationWait = 5 * time.Minute

// Endpoints are the authorization-server URLs discovered for a protected
// upstream. Discovery itself (RFC 9728 / 8414 metadata) is done by the
// external auth tooling; the provider only consumes the result.
type Endpoints struct {
	AuthorizationURL string
	TokenURL         string
}

// OAuthProvider supplies Bearer tokens for one OAuth-guarded HTTP server
// and offers the authorization-code flow as separate steps
// (BeginAuthorization, DeliverCode, AwaitAuthorization); AccessToken never
// starts that flow itself. Tokens and client registration live in the TokenStore; the redirect is
// handed to an injected callback so the provider never blocks on I/O of
// its own.
type OAuthProvider struct {
	server     string
	cfg        config.OAuthConfig
	store      TokenStore
	onRedirect func(url string)
	httpClient *http.Client

	mu        sync.Mutex
	endpoints Endpoints
	state     string
	code      chan string
}

// NewOAuthProvider builds a provider for server. store may be nil, in
// which case every token lookup reports ErrUnauthorized.
func NewOAuthProvider(server string, cfg config.OAuthConfig, store TokenStore, onRedirect func(string)) *OAuthProvider {
	return &OAuthProvider{
		server:     server,
		cfg:        cfg,
		store:      store,
		onRedirect: onRedirect,
		httpClient: http.DefaultClient,
	}
}

// SetEndpoints installs the discovered authorization-server endpoints.
func (p *OAuthProvider) SetEndpoints(e Endpoints) {
	p.mu.Lock()
	p.endpoints = e
	p.mu.Unlock()
}

// AccessToken returns a usable access token, refreshing an expired one
// when a refresh token and token endpoint are available. With no usable
// token it returns ErrUnauthorized; the connection error tells the
// operator to run the auth flow.
func (p *OAuthProvider) AccessToken(ctx context.Context) (string, error) {
	if p.store == nil {
		return "", fmt.Errorf("no token store configured for %q: %w", p.server, ErrUnauthorized)
	}
	rec, err := p.store.Load(p.server)
	if err != nil {
		return "", err
	}
	if rec.Tokens == nil || rec.Tokens.AccessToken == "" {
		return "", fmt.Errorf("no tokens stored for %q: %w", p.server, ErrUnauthorized)
	}
	if !rec.Tokens.Expired(time.Now()) {
		return rec.Tokens.AccessToken, nil
	}
	if rec.Tokens.RefreshToken == "" || p.tokenURL() == "" {
		return "", fmt.Errorf("expired tokens for %q and no refresh path: %w", p.server, ErrUnauthorized)
	}
	refreshed, err := p.refresh(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("refresh tokens for %q: %w", p.server, err)
	}
	return refreshed.AccessToken, nil
}

// ClientMetadata is the dynamic-registration body advertised to the
// authorization server.
func (p *OAuthProvider) ClientMetadata() map[string]any {
	return map[string]any{
		"client_name":                p.cfg.ClientName,
		"redirect_uris":              []string{p.cfg.RedirectURL},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "client_secret_post",
		"scope":                      strings.Join(p.cfg.Scopes, " "),
	}
}

// BeginAuthorization mints a fresh CSRF state and PKCE verifier, persists
// the verifier, and hands the authorization URL to the redirect callback.
// The returned state must come back on the callback for the code to be
// accepted.
func (p *OAuthProvider) BeginAuthorization(ctx context.Context) (string, error) {
	authURL := p.authorizationURL()
	if authURL == "" {
		return "", fmt.Errorf("no authorization endpoint known for %q", p.server)
	}
	state, err := randomToken(16)
	if err != nil {
		return "", err
	}
	verifier, err := randomToken(32)
	if err != nil {
		return "", err
	}

	rec, err := p.loadRecord()
	if err != nil {
		return "", err
	}
	rec.CodeVerifier = verifier
	if err := p.store.Save(p.server, rec); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.state = state
	p.code = make(chan string, 1)
	p.mu.Unlock()

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", p.clientID(rec))
	q.Set("redirect_uri", p.cfg.RedirectURL)
	q.Set("state", state)
	q.Set("code_challenge", pkceChallenge(verifier))
	q.Set("code_challenge_method", "S256")
	if len(p.cfg.Scopes) > 0 {
		q.Set("scope", strings.Join(p.cfg.Scopes, " "))
	}
	full := authURL + "?" + q.Encode()
	if p.onRedirect != nil {
		p.onRedirect(full)
	}
	return state, nil
}

// DeliverCode is called by the external callback server when the browser
// returns. A state mismatch rejects the code.
func (p *OAuthProvider) DeliverCode(state, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == "" || state != p.state {
		return fmt.Errorf("authorization state mismatch for %q", p.server)
	}
	select {
	case p.code <- code:
	default:
	}
	return nil
}

// AwaitAuthorization blocks until the code arrives, then exchanges it for
// tokens and persists them. Gives up after five minutes.
func (p *OAuthProvider) AwaitAuthorization(ctx context.Context) error {
	p.mu.Lock()
	ch := p.code
	p.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("no authorization in progress for %q", p.server)
	}
	ctx, cancel := context.WithTimeout(ctx, authorizationWait)
	defer cancel()
	select {
	case <-ctx.Done():
		return fmt.Errorf("authorization for %q: %w", p.server, ctx.Err())
	case code := <-ch:
		return p.exchangeCode(ctx, code)
	}
}

func (p *OAuthProvider) exchangeCode(ctx context.Context, code string) error {
	rec, err := p.loadRecord()
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", p.cfg.RedirectURL)
	form.Set("client_id", p.clientID(rec))
	if secret := p.clientSecret(rec); secret != "" {
		form.Set("client_secret", secret)
	}
	if rec.CodeVerifier != "" {
		form.Set("code_verifier", rec.CodeVerifier)
	}
	tokens, err := p.postTokenRequest(ctx, form)
	if err != nil {
		return err
	}
	rec.Tokens = tokens
	rec.CodeVerifier = ""
	return p.store.Save(p.server, rec)
}

func (p *OAuthProvider) refresh(ctx context.Context, rec *TokenRecord) (*Tokens, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", rec.Tokens.RefreshToken)
	form.Set("client_id", p.clientID(rec))
	if secret := p.clientSecret(rec); secret != "" {
		form.Set("client_secret", secret)
	}
	tokens, err := p.postTokenRequest(ctx, form)
	if err != nil {
		return nil, err
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = rec.Tokens.RefreshToken
	}
	rec.Tokens = tokens
	if err := p.store.Save(p.server, rec); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (p *OAuthProvider) postTokenRequest(ctx context.Context, form url.Values) (*Tokens, error) {
	endpoint := p.tokenURL()
	if endpoint == "" {
		return nil, fmt.Errorf("no token endpoint known for %q", p.server)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %s", res.Status)
	}
	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	tokens := &Tokens{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		TokenType:    body.TokenType,
	}
	if body.ExpiresIn > 0 {
		tokens.ExpiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	return tokens, nil
}

func (p *OAuthProvider) loadRecord() (*TokenRecord, error) {
	if p.store == nil {
		return nil, fmt.Errorf("no token store configured for %q", p.server)
	}
	return p.store.Load(p.server)
}

func (p *OAuthProvider) clientID(rec *TokenRecord) string {
	if p.cfg.ClientID != "" {
		return p.cfg.ClientID
	}
	if rec.ClientInformation != nil {
		return rec.ClientInformation.ClientID
	}
	return ""
}

func (p *OAuthProvider) clientSecret(rec *TokenRecord) string {
	if p.cfg.ClientSecret != "" {
		return p.cfg.ClientSecret
	}
	if rec.ClientInformation != nil {
		return rec.ClientInformation.ClientSecret
	}
	return ""
}

func (p *OAuthProvider) authorizationURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoints.AuthorizationURL
}

func (p *OAuthProvider) tokenURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoints.TokenURL
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
