package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/xdg-go/stringprep"
	"golang.org/x/crypto/pbkdf2"
)

// Verifier is the stored server-side SCRAM-SHA-256 credential. The cleartext
// password never appears here: StoredKey and ServerKey are derived once at
// enrollment.
type Verifier struct {
	Iterations int
	Salt       []byte
	StoredKey  []byte
	ServerKey  []byte
}

// ParseVerifier parses the storage form
// SCRAM-SHA-256$<iter>:<b64 salt>$<b64 storedKey>:<b64 serverKey>,
// the same layout PostgreSQL keeps in pg_authid.
func ParseVerifier(s string) (*Verifier, error) {
	rest, ok := strings.CutPrefix(s, "SCRAM-SHA-256$")
	if !ok {
		return nil, errors.New("verifier is not SCRAM-SHA-256")
	}
	params, keys, ok := strings.Cut(rest, "$")
	if !ok {
		return nil, errors.New("malformed verifier")
	}
	iterStr, saltB64, ok := strings.Cut(params, ":")
	if !ok {
		return nil, errors.New("malformed verifier")
	}
	storedB64, serverB64, ok := strings.Cut(keys, ":")
	if !ok {
		return nil, errors.New("malformed verifier")
	}
	iter, err := strconv.Atoi(iterStr)
	if err != nil || iter < 1 {
		return nil, errors.New("malformed verifier iteration count")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, errors.Wrap(err, "verifier salt")
	}
	stored, err := base64.StdEncoding.DecodeString(storedB64)
	if err != nil {
		return nil, errors.Wrap(err, "verifier stored key")
	}
	server, err := base64.StdEncoding.DecodeString(serverB64)
	if err != nil {
		return nil, errors.Wrap(err, "verifier server key")
	}
	return &Verifier{Iterations: iter, Salt: salt, StoredKey: stored, ServerKey: server}, nil
}

// String renders the storage form.
func (v *Verifier) String() string {
	return "SCRAM-SHA-256$" + strconv.Itoa(v.Iterations) + ":" +
		base64.StdEncoding.EncodeToString(v.Salt) + "$" +
		base64.StdEncoding.EncodeToString(v.StoredKey) + ":" +
		base64.StdEncoding.EncodeToString(v.ServerKey)
}

// BuildVerifier derives a verifier from a cleartext password. The password
// goes through SASLprep first so clients that normalize and clients that do
// not agree on the bytes.
func BuildVerifier(password string, salt []byte, iterations int) (*Verifier, error) {
	prepped, err := stringprep.SASLprep.Prepare(password)
	if err != nil {
		return nil, errors.Wrap(err, "saslprep")
	}
	salted := pbkdf2.Key([]byte(prepped), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(salted, "Client Key")
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(salted, "Server Key")
	return &Verifier{
		Iterations: iterations,
		Salt:       salt,
		StoredKey:  storedKey[:],
		ServerKey:  serverKey,
	}, nil
}

func hmacSHA256(key []byte, msg string) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(msg))
	return m.Sum(nil)
}
