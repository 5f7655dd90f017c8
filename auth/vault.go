package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Vault fetches verifiers from a HashiCorp Vault KV v2 mount. The secret at
// <mount>/data/<prefix>/<user> must carry a "verifier" field in storage
// form. Lookups are cached, including misses, so a credential-stuffing run
// cannot hammer Vault.
type Vault struct {
	addr   string
	token  string
	mount  string
	prefix string
	client *http.Client

	cacheTTL    time.Duration
	negativeTTL time.Duration

	mu    sync.Mutex
	cache map[string]vaultEntry
}

type vaultEntry struct {
	verifier *Verifier
	expires  time.Time
}

type VaultConfig struct {
	Addr        string
	Token       string
	Mount       string
	Prefix      string
	CacheTTL    time.Duration
	NegativeTTL time.Duration
	Timeout     time.Duration
}

func NewVault(cfg VaultConfig) *Vault {
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Vault{
		addr:        cfg.Addr,
		token:       cfg.Token,
		mount:       cfg.Mount,
		prefix:      cfg.Prefix,
		client:      &http.Client{Timeout: cfg.Timeout},
		cacheTTL:    cfg.CacheTTL,
		negativeTTL: cfg.NegativeTTL,
		cache:       map[string]vaultEntry{},
	}
}

func (v *Vault) Name() string { return "vault" }

func (v *Vault) Lookup(ctx context.Context, user string) (*Verifier, error) {
	v.mu.Lock()
	if e, ok := v.cache[user]; ok && time.Now().Before(e.expires) {
		v.mu.Unlock()
		if e.verifier == nil {
			return nil, ErrUnknownUser
		}
		return e.verifier, nil
	}
	v.mu.Unlock()

	ver, err := v.fetch(ctx, user)
	switch {
	case err == nil:
		v.store(user, ver, v.cacheTTL)
		return ver, nil
	case errors.Is(err, ErrUnknownUser):
		v.store(user, nil, v.negativeTTL)
		return nil, ErrUnknownUser
	default:
		return nil, err
	}
}

func (v *Vault) store(user string, ver *Verifier, ttl time.Duration) {
	v.mu.Lock()
	v.cache[user] = vaultEntry{verifier: ver, expires: time.Now().Add(ttl)}
	v.mu.Unlock()
}

func (v *Vault) fetch(ctx context.Context, user string) (*Verifier, error) {
	path := v.prefix
	if path != "" {
		path += "/"
	}
	url := fmt.Sprintf("%s/v1/%s/data/%s%s", v.addr, v.mount, path, user)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "vault request")
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "vault")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrUnknownUser
	default:
		return nil, errors.Newf("vault returned status %d", resp.StatusCode)
	}

	var body struct {
		Data struct {
			Data map[string]string `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "vault response")
	}
	raw, ok := body.Data.Data["verifier"]
	if !ok {
		return nil, ErrUnknownUser
	}
	return ParseVerifier(raw)
}
