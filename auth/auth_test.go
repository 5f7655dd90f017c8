package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

func TestVerifierRoundTrip(t *testing.T) {
	v, err := BuildVerifier("tr0ub4dor", []byte("0123456789abcdef"), DefaultIterations)
	require.NoError(t, err)

	parsed, err := ParseVerifier(v.String())
	require.NoError(t, err)
	require.Equal(t, v, parsed)

	_, err = ParseVerifier("md5abcdef")
	require.Error(t, err)
	_, err = ParseVerifier("SCRAM-SHA-256$notanumber:c2FsdA==$YQ==:Yg==")
	require.Error(t, err)
}

// scramClient computes the client side of the exchange the way libpq does.
type scramClient struct {
	user     string
	password string
	nonce    string
}

func (c *scramClient) first() string {
	return "n,,n=" + c.user + ",r=" + c.nonce
}

func (c *scramClient) final(t *testing.T, serverFirst string) (string, []byte) {
	var fullNonce, saltB64 string
	var iters int
	for _, attr := range strings.Split(serverFirst, ",") {
		k, v, _ := strings.Cut(attr, "=")
		switch k {
		case "r":
			fullNonce = v
		case "s":
			saltB64 = v
		case "i":
			iters, _ = strconv.Atoi(v)
		}
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	require.NoError(t, err)

	salted := pbkdf2.Key([]byte(c.password), salt, iters, sha256.Size, sha256.New)
	clientKey := hmacSHA256(salted, "Client Key")
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(salted, "Server Key")

	withoutProof := "c=biws,r=" + fullNonce
	authMessage := "n=" + c.user + ",r=" + c.nonce + "," + serverFirst + "," + withoutProof
	clientSig := hmac.New(sha256.New, storedKey[:])
	clientSig.Write([]byte(authMessage))
	sig := clientSig.Sum(nil)

	proof := make([]byte, len(clientKey))
	for i := range proof {
		proof[i] = clientKey[i] ^ sig[i]
	}
	serverSig := hmac.New(sha256.New, serverKey)
	serverSig.Write([]byte(authMessage))
	return withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof), serverSig.Sum(nil)
}

func TestScramExchange(t *testing.T) {
	v, err := BuildVerifier("sekrit", []byte("saltsaltsaltsalt"), DefaultIterations)
	require.NoError(t, err)

	client := &scramClient{user: "ana", password: "sekrit", nonce: "clientnonceclientnonce"}
	conv := NewServerConversation(v)

	serverFirst, err := conv.HandleClientFirst([]byte(client.first()))
	require.NoError(t, err)
	require.Contains(t, string(serverFirst), "r="+client.nonce)
	require.Contains(t, string(serverFirst), "i="+strconv.Itoa(DefaultIterations))

	clientFinal, wantServerSig := client.final(t, string(serverFirst))
	serverFinal, err := conv.HandleClientFinal([]byte(clientFinal))
	require.NoError(t, err)
	require.True(t, conv.Done())
	require.Equal(t, "v="+base64.StdEncoding.EncodeToString(wantServerSig), string(serverFinal))
}

func TestScramRejectsWrongPassword(t *testing.T) {
	v, err := BuildVerifier("right", []byte("saltsaltsaltsalt"), DefaultIterations)
	require.NoError(t, err)

	client := &scramClient{user: "ana", password: "wrong", nonce: "nonceabcnonceabc"}
	conv := NewServerConversation(v)

	serverFirst, err := conv.HandleClientFirst([]byte(client.first()))
	require.NoError(t, err)

	clientFinal, _ := client.final(t, string(serverFirst))
	_, err = conv.HandleClientFinal([]byte(clientFinal))
	require.ErrorIs(t, err, ErrDenied)
	require.False(t, conv.Done())
}

func TestScramRejectsChannelBindingAndReplay(t *testing.T) {
	v, err := BuildVerifier("x", []byte("saltsaltsaltsalt"), DefaultIterations)
	require.NoError(t, err)
	conv := NewServerConversation(v)

	_, err = conv.HandleClientFirst([]byte("p=tls-server-end-point,,n=ana,r=abc"))
	require.Error(t, err)

	_, err = conv.HandleClientFinal([]byte("c=biws,r=abc,p=YQ=="))
	require.Error(t, err, "client-final before client-first")
}

func TestStaticProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users")
	v, err := BuildVerifier("pw", []byte("saltsaltsaltsalt"), DefaultIterations)
	require.NoError(t, err)
	content := "# roles\nana " + v.String() + "\nbob plain:hunter2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	s, err := LoadStatic(path)
	require.NoError(t, err)

	got, err := s.Lookup(context.Background(), "ana")
	require.NoError(t, err)
	require.Equal(t, v.String(), got.String())

	bob, err := s.Lookup(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, DefaultIterations, bob.Iterations)

	_, err = s.Lookup(context.Background(), "eve")
	require.ErrorIs(t, err, ErrUnknownUser)
}

func TestVaultProvider(t *testing.T) {
	v, err := BuildVerifier("pw", []byte("saltsaltsaltsalt"), DefaultIterations)
	require.NoError(t, err)

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		require.Equal(t, "root-token", r.Header.Get("X-Vault-Token"))
		switch r.URL.Path {
		case "/v1/secret/data/pg/ana":
			w.Write([]byte(`{"data":{"data":{"verifier":"` + v.String() + `"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewVault(VaultConfig{Addr: srv.URL, Token: "root-token", Prefix: "pg"})
	ctx := context.Background()

	got, err := p.Lookup(ctx, "ana")
	require.NoError(t, err)
	require.Equal(t, v.String(), got.String())

	// Second lookup is served from cache.
	_, err = p.Lookup(ctx, "ana")
	require.NoError(t, err)
	require.Equal(t, 1, hits)

	// Misses are cached too.
	_, err = p.Lookup(ctx, "eve")
	require.ErrorIs(t, err, ErrUnknownUser)
	_, err = p.Lookup(ctx, "eve")
	require.ErrorIs(t, err, ErrUnknownUser)
	require.Equal(t, 2, hits)
}

func TestOAuthValidator(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		require.NoError(t, r.ParseForm())
		user, _, _ := r.BasicAuth()
		require.Equal(t, "gateway", user)
		switch r.Form.Get("token") {
		case "good-token":
			w.Write([]byte(`{"active":true,"username":"ana","scope":"sql openid"}`))
		case "scopeless-token":
			w.Write([]byte(`{"active":true,"username":"ana","scope":"openid"}`))
		default:
			w.Write([]byte(`{"active":false}`))
		}
	}))
	defer srv.Close()

	o := NewOAuth(OAuthConfig{
		Endpoint:      srv.URL,
		ClientID:      "gateway",
		ClientSecret:  "s3cr3t",
		RequiredScope: "sql",
	})
	ctx := context.Background()

	require.NoError(t, o.Validate(ctx, "ana", "good-token"))
	require.NoError(t, o.Validate(ctx, "ana", "good-token"))
	require.Equal(t, 1, hits, "second validation should hit the cache")

	require.ErrorIs(t, o.Validate(ctx, "bob", "good-token"), ErrDenied)
	require.Error(t, o.Validate(ctx, "ana", "scopeless-token"))
	require.Error(t, o.Validate(ctx, "ana", "revoked-token"))
}

func TestKerberosValidator(t *testing.T) {
	k := NewKerberos(func(_ context.Context, ticket []byte) (string, error) {
		if string(ticket) == "valid-ticket" {
			return "ana@EXAMPLE.COM", nil
		}
		return "", ErrDenied
	}, "EXAMPLE.COM", map[string]string{"svc/reporting@EXAMPLE.COM": "reporter"})

	ctx := context.Background()
	require.NoError(t, k.Validate(ctx, "ana", "valid-ticket"))
	require.ErrorIs(t, k.Validate(ctx, "bob", "valid-ticket"), ErrDenied)
	require.ErrorIs(t, k.Validate(ctx, "ana", "forged"), ErrDenied)

	k2 := NewKerberos(func(_ context.Context, _ []byte) (string, error) {
		return "svc/reporting@EXAMPLE.COM", nil
	}, "EXAMPLE.COM", map[string]string{"svc/reporting@EXAMPLE.COM": "reporter"})
	require.NoError(t, k2.Validate(ctx, "reporter", "whatever"))
}
