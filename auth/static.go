package auth

import (
	"bufio"
	"context"
	"crypto/rand"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// DefaultIterations is used when deriving verifiers from cleartext entries.
// Matches PostgreSQL's default for scram-sha-256.
const DefaultIterations = 4096

// Static serves verifiers from an htpasswd-style file. Each non-comment line
// is "<user> <verifier>"; a "plain:" prefix on the second field derives the
// verifier at load time so test rigs can list cleartext passwords.
type Static struct {
	mu    sync.RWMutex
	users map[string]*Verifier
}

func NewStatic() *Static {
	return &Static{users: map[string]*Verifier{}}
}

// LoadStatic reads the credential file. Reload replaces the whole table.
func LoadStatic(path string) (*Static, error) {
	s := NewStatic()
	if err := s.Reload(path); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Static) Reload(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "credential file")
	}
	defer f.Close()

	users := map[string]*Verifier{}
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		user, cred, ok := strings.Cut(text, " ")
		if !ok {
			return errors.Newf("credential file line %d: want \"user credential\"", line)
		}
		cred = strings.TrimSpace(cred)
		var v *Verifier
		if plain, isPlain := strings.CutPrefix(cred, "plain:"); isPlain {
			salt := make([]byte, 16)
			if _, err := rand.Read(salt); err != nil {
				return errors.Wrap(err, "salt")
			}
			v, err = BuildVerifier(plain, salt, DefaultIterations)
		} else {
			v, err = ParseVerifier(cred)
		}
		if err != nil {
			return errors.Wrapf(err, "credential file line %d", line)
		}
		users[user] = v
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "credential file")
	}

	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
	return nil
}

// Put registers a verifier, for tests and for the enrollment CLI path.
func (s *Static) Put(user string, v *Verifier) {
	s.mu.Lock()
	s.users[user] = v
	s.mu.Unlock()
}

func (s *Static) Name() string { return "static" }

func (s *Static) Lookup(_ context.Context, user string) (*Verifier, error) {
	s.mu.RLock()
	v, ok := s.users[user]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownUser
	}
	return v, nil
}
