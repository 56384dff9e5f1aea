// Package auth implements the authenticator: device-code OAuth login, token
// persistence, and the identity/ownership surface the sync engine consumes.
// The engine never reads ambient auth state — it observes Identity values
// through Current and OnChange.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/text/unicode/norm"
)

// OAuth application registered for studysync (public client, device flow).
const defaultClientID = "Iv1.9c2b7a41d5f08e63"

var defaultScopes = []string{"repo", "read:user"}

// Default forge endpoints.
const (
	defaultDeviceAuthURL = "https://github.com/login/device/code"
	defaultTokenURL      = "https://github.com/login/oauth/access_token" //nolint:gosec // endpoint URL, not a credential
	defaultUserURL       = "https://api.github.com/user"
)

// Identity is the authenticated principal: login name, bearer credential,
// and whether this identity is the single authorized writer.
type Identity struct {
	Login   string
	Token   string
	IsOwner bool
}

// DeviceAuth holds the device code response fields the CLI displays.
type DeviceAuth struct {
	UserCode        string
	VerificationURI string
}

// Options configures an Authenticator.
type Options struct {
	TokenPath  string // token file location
	OwnerLogin string // login authorized to write the remote document
	ClientID   string // OAuth client ID (default: built-in public client)
	Scopes     []string
	HTTPClient *http.Client
	Logger     *slog.Logger

	// Endpoint overrides for tests.
	DeviceAuthURL string
	TokenURL      string
	UserURL       string
}

// Authenticator owns the credential lifecycle. Concurrency-safe; change
// callbacks are dispatched serially.
type Authenticator struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	current *Identity
	source  oauth2.TokenSource

	subsMu     sync.Mutex
	subs       []func(Identity, bool)
	dispatchMu sync.Mutex
}

// New creates an Authenticator, restoring any saved identity from the token
// file. A corrupt or missing token file yields a logged-out authenticator.
func New(opts Options) *Authenticator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.ClientID == "" {
		opts.ClientID = defaultClientID
	}

	if len(opts.Scopes) == 0 {
		opts.Scopes = defaultScopes
	}

	if opts.DeviceAuthURL == "" {
		opts.DeviceAuthURL = defaultDeviceAuthURL
	}

	if opts.TokenURL == "" {
		opts.TokenURL = defaultTokenURL
	}

	if opts.UserURL == "" {
		opts.UserURL = defaultUserURL
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	a := &Authenticator{opts: opts, logger: opts.Logger}

	tok, login, err := loadTokenFile(opts.TokenPath)
	if err != nil {
		opts.Logger.Warn("saved token unusable, starting logged out",
			slog.String("path", opts.TokenPath),
			slog.String("error", err.Error()),
		)

		return a
	}

	if tok != nil {
		a.current = a.identityFor(login, tok.AccessToken)
		a.source = a.oauthConfig().TokenSource(context.Background(), tok)

		opts.Logger.Debug("restored saved identity",
			slog.String("login", login),
			slog.Bool("is_owner", a.current.IsOwner),
		)
	}

	return a
}

// oauthConfig builds the device-flow OAuth2 config.
func (a *Authenticator) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: a.opts.ClientID,
		Scopes:   a.opts.Scopes,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: a.opts.DeviceAuthURL,
			TokenURL:      a.opts.TokenURL,
		},
	}
}

// Login performs the device code flow:
//  1. Requests a device code
//  2. Calls display so the CLI can show the user code and verification URL
//  3. Polls until the user authorizes (blocking, respects ctx cancellation)
//  4. Resolves the login name via the user API
//  5. Persists the token and notifies subscribers
func (a *Authenticator) Login(ctx context.Context, display func(DeviceAuth)) (Identity, error) {
	cfg := a.oauthConfig()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.opts.HTTPClient)

	a.logger.Info("starting device code auth flow")

	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: device auth request failed: %w", err)
	}

	display(DeviceAuth{UserCode: da.UserCode, VerificationURI: da.VerificationURI})

	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: device code authorization failed: %w", err)
	}

	login, err := a.fetchLogin(ctx, tok.AccessToken)
	if err != nil {
		return Identity{}, err
	}

	if err := saveTokenFile(a.opts.TokenPath, tok, login); err != nil {
		return Identity{}, err
	}

	id := a.identityFor(login, tok.AccessToken)

	a.mu.Lock()
	a.current = id
	a.source = cfg.TokenSource(context.Background(), tok)
	a.mu.Unlock()

	a.logger.Info("login successful",
		slog.String("login", login),
		slog.Bool("is_owner", id.IsOwner),
	)

	a.notify(*id, true)

	return *id, nil
}

// Logout removes the saved token and notifies subscribers.
func (a *Authenticator) Logout() error {
	if err := deleteTokenFile(a.opts.TokenPath); err != nil {
		return err
	}

	a.mu.Lock()
	a.current = nil
	a.source = nil
	a.mu.Unlock()

	a.logger.Info("logged out")
	a.notify(Identity{}, false)

	return nil
}

// Current returns the active identity, or false when logged out.
func (a *Authenticator) Current() (Identity, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil {
		return Identity{}, false
	}

	return *a.current, true
}

// OnChange registers a callback invoked after every identity change
// (login, logout, credential refresh). Callbacks run serially.
func (a *Authenticator) OnChange(fn func(Identity, bool)) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()

	a.subs = append(a.subs, fn)
}

// Token implements the remote store's TokenSource. Refreshed credentials
// are persisted and re-announced so the engine re-evaluates write
// eligibility on expiry.
func (a *Authenticator) Token() (string, error) {
	a.mu.Lock()
	source := a.source
	current := a.current
	a.mu.Unlock()

	if source == nil || current == nil {
		return "", nil // unauthenticated: public read-only access
	}

	tok, err := source.Token()
	if err != nil {
		// Credential expired and refresh failed: destroy the identity.
		a.logger.Warn("credential refresh failed, logging out",
			slog.String("error", err.Error()),
		)

		a.mu.Lock()
		a.current = nil
		a.source = nil
		a.mu.Unlock()

		a.notify(Identity{}, false)

		return "", fmt.Errorf("auth: refreshing token: %w", err)
	}

	if tok.AccessToken != current.Token {
		id := a.identityFor(current.Login, tok.AccessToken)

		a.mu.Lock()
		a.current = id
		a.mu.Unlock()

		if err := saveTokenFile(a.opts.TokenPath, tok, current.Login); err != nil {
			a.logger.Warn("persisting refreshed token failed",
				slog.String("error", err.Error()),
			)
		}

		a.notify(*id, true)
	}

	return tok.AccessToken, nil
}

// identityFor builds an Identity, deciding ownership by comparing the login
// against the configured owner (case-insensitive, NFC-normalized).
func (a *Authenticator) identityFor(login, token string) *Identity {
	return &Identity{
		Login:   login,
		Token:   token,
		IsOwner: loginsEqual(login, a.opts.OwnerLogin),
	}
}

// loginsEqual compares two login names the way the forge does: case
// insensitively, after unicode normalization.
func loginsEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}

	return strings.EqualFold(norm.NFC.String(a), norm.NFC.String(b))
}

// fetchLogin resolves the login name behind a bearer credential.
func (a *Authenticator) fetchLogin(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.opts.UserURL, nil)
	if err != nil {
		return "", fmt.Errorf("auth: building user request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: fetching user identity: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth: user endpoint returned HTTP %d", resp.StatusCode)
	}

	var user struct {
		Login string `json:"login"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", fmt.Errorf("auth: decoding user response: %w", err)
	}

	if user.Login == "" {
		return "", fmt.Errorf("auth: user response missing login")
	}

	return user.Login, nil
}

// notify dispatches an identity change to all subscribers, serially.
func (a *Authenticator) notify(id Identity, ok bool) {
	a.subsMu.Lock()
	subs := slices.Clone(a.subs)
	a.subsMu.Unlock()

	a.dispatchMu.Lock()
	defer a.dispatchMu.Unlock()

	for _, fn := range subs {
		fn(id, ok)
	}
}
