package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// OAuth validates a bearer token the client sends in place of a password,
// against an RFC 7662 token introspection endpoint. It is a SecretValidator:
// the server only offers it over TLS, since the token crosses in cleartext
// inside the channel.
type OAuth struct {
	endpoint     string
	clientID     string
	clientSecret string
	// requiredScope must appear in the token's scope list when set.
	requiredScope string
	// usernameClaim is the introspection field matched against the startup
	// user, "username" by default.
	usernameClaim string
	client        *http.Client

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]oauthEntry
}

type oauthEntry struct {
	user    string
	ok      bool
	expires time.Time
}

type OAuthConfig struct {
	Endpoint      string
	ClientID      string
	ClientSecret  string
	RequiredScope string
	UsernameClaim string
	CacheTTL      time.Duration
	Timeout       time.Duration
}

func NewOAuth(cfg OAuthConfig) *OAuth {
	if cfg.UsernameClaim == "" {
		cfg.UsernameClaim = "username"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &OAuth{
		endpoint:      cfg.Endpoint,
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		requiredScope: cfg.RequiredScope,
		usernameClaim: cfg.UsernameClaim,
		client:        &http.Client{Timeout: cfg.Timeout},
		cacheTTL:      cfg.CacheTTL,
		cache:         map[string]oauthEntry{},
	}
}

func (o *OAuth) Name() string { return "oauth" }

func (o *OAuth) Validate(ctx context.Context, user, secret string) error {
	// Tokens are cached by digest; the raw token never sits in memory
	// longer than the exchange.
	sum := sha256.Sum256([]byte(secret))
	key := hex.EncodeToString(sum[:])

	o.mu.Lock()
	if e, ok := o.cache[key]; ok && time.Now().Before(e.expires) {
		o.mu.Unlock()
		if e.ok && e.user == user {
			return nil
		}
		return ErrDenied
	}
	o.mu.Unlock()

	claimedUser, err := o.introspect(ctx, secret)
	entry := oauthEntry{user: claimedUser, ok: err == nil, expires: time.Now().Add(o.cacheTTL)}
	o.mu.Lock()
	o.cache[key] = entry
	o.mu.Unlock()

	if err != nil {
		return err
	}
	if claimedUser != user {
		return ErrDenied
	}
	return nil
}

// introspect posts the token and returns the username claim of an active
// token.
func (o *OAuth) introspect(ctx context.Context, token string) (string, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "introspection request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(o.clientID, o.clientSecret)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "introspection")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf("introspection returned status %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.Wrap(err, "introspection response")
	}
	active, _ := body["active"].(bool)
	if !active {
		return "", ErrDenied
	}
	if o.requiredScope != "" {
		scope, _ := body["scope"].(string)
		if !hasScope(scope, o.requiredScope) {
			return "", ErrDenied
		}
	}
	username, _ := body[o.usernameClaim].(string)
	if username == "" {
		return "", ErrDenied
	}
	return username, nil
}

func hasScope(scopes, want string) bool {
	for _, s := range strings.Fields(scopes) {
		if s == want {
			return true
		}
	}
	return false
}
