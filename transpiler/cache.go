package transpiler

import (
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Translator runs translations through an expiring LRU keyed by the input
// text and the case policy. Only successful translations are cached; a parse
// error is cheap to reproduce and the client usually fixes the statement.
type Translator struct {
	policy Policy
	cache  *expirable.LRU[string, Result]

	// Optional counters, wired to metrics by the server.
	OnHit  func()
	OnMiss func()
}

// NewTranslator builds a Translator. size <= 0 disables caching.
func NewTranslator(policy Policy, size int, ttl time.Duration) *Translator {
	t := &Translator{policy: policy}
	if size > 0 {
		t.cache = expirable.NewLRU[string, Result](size, nil, ttl)
	}
	return t
}

func (t *Translator) Translate(sql string) (Result, error) {
	if t.cache == nil {
		return Translate(sql, t.policy)
	}
	key := strconv.Itoa(int(t.policy)) + "\x00" + sql
	if res, ok := t.cache.Get(key); ok {
		if t.OnHit != nil {
			t.OnHit()
		}
		return res, nil
	}
	if t.OnMiss != nil {
		t.OnMiss()
	}
	res, err := Translate(sql, t.policy)
	if err != nil {
		return res, err
	}
	t.cache.Add(key, res)
	return res, nil
}
