package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ServerConversation runs the server side of one SCRAM-SHA-256 exchange
// (RFC 5802). The caller moves the two message pairs over the SASL
// authentication messages and treats any returned error as a failed login.
type ServerConversation struct {
	verifier        *Verifier
	clientNonce     string
	serverNonce     string
	clientFirstBare string
	serverFirst     string
	done            bool
}

func NewServerConversation(v *Verifier) *ServerConversation {
	return &ServerConversation{verifier: v}
}

// HandleClientFirst consumes the client-first message and returns the
// server-first challenge.
func (c *ServerConversation) HandleClientFirst(msg []byte) ([]byte, error) {
	s := string(msg)
	// gs2 header: we offer no channel binding, so accept "n,," and "y,,".
	rest, ok := strings.CutPrefix(s, "n,,")
	if !ok {
		rest, ok = strings.CutPrefix(s, "y,,")
	}
	if !ok {
		return nil, errors.New("unsupported gs2 header")
	}
	c.clientFirstBare = rest

	var haveNonce bool
	for _, attr := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(attr, "=")
		if !ok {
			return nil, errors.New("malformed client-first message")
		}
		switch k {
		case "r":
			c.clientNonce = v
			haveNonce = true
		case "m":
			return nil, errors.New("mandatory extensions are not supported")
		}
	}
	if !haveNonce {
		return nil, errors.New("client-first message carries no nonce")
	}

	nonce := make([]byte, 18)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "nonce")
	}
	c.serverNonce = base64.StdEncoding.EncodeToString(nonce)

	c.serverFirst = "r=" + c.clientNonce + c.serverNonce +
		",s=" + base64.StdEncoding.EncodeToString(c.verifier.Salt) +
		",i=" + strconv.Itoa(c.verifier.Iterations)
	return []byte(c.serverFirst), nil
}

// HandleClientFinal verifies the client proof and returns the server-final
// message carrying the server signature.
func (c *ServerConversation) HandleClientFinal(msg []byte) ([]byte, error) {
	if c.serverFirst == "" || c.done {
		return nil, errors.New("out-of-order SCRAM message")
	}
	s := string(msg)

	var (
		channel string
		nonce   string
		proof   string
	)
	for _, attr := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(attr, "=")
		if !ok {
			continue
		}
		switch k {
		case "c":
			channel = v
		case "r":
			nonce = v
		case "p":
			proof = v
		}
	}
	if channel != "biws" && channel != "eSws" {
		// base64 of "n,," and "y,,".
		return nil, errors.New("unexpected channel binding")
	}
	if nonce != c.clientNonce+c.serverNonce {
		return nil, ErrDenied
	}
	if proof == "" {
		return nil, errors.New("client-final message carries no proof")
	}
	proofBytes, err := base64.StdEncoding.DecodeString(proof)
	if err != nil || len(proofBytes) != sha256.Size {
		return nil, errors.New("malformed client proof")
	}

	proofIdx := strings.LastIndex(s, ",p=")
	if proofIdx < 0 {
		return nil, errors.New("malformed client-final message")
	}
	withoutProof := s[:proofIdx]
	authMessage := c.clientFirstBare + "," + c.serverFirst + "," + withoutProof

	clientSignature := hmacSHA256(c.verifier.StoredKey, authMessage)
	clientKey := make([]byte, sha256.Size)
	for i := range clientKey {
		clientKey[i] = proofBytes[i] ^ clientSignature[i]
	}
	recovered := sha256.Sum256(clientKey)
	if !hmac.Equal(recovered[:], c.verifier.StoredKey) {
		return nil, ErrDenied
	}

	serverSignature := hmacSHA256(c.verifier.ServerKey, authMessage)
	c.done = true
	return []byte("v=" + base64.StdEncoding.EncodeToString(serverSignature)), nil
}

// Done reports whether the exchange completed successfully.
func (c *ServerConversation) Done() bool { return c.done }

// DecoyVerifier builds a throwaway verifier for users the store does not
// know. Running the exchange against it makes an unknown user fail at the
// same step, and with the same timing profile, as a wrong password.
func DecoyVerifier() *Verifier {
	secret := make([]byte, 24)
	salt := make([]byte, 16)
	rand.Read(secret)
	rand.Read(salt)
	v, err := BuildVerifier(base64.StdEncoding.EncodeToString(secret), salt, 4096)
	if err != nil {
		// base64 text always survives SASLprep.
		panic(err)
	}
	return v
}
