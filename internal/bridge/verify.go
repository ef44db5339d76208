package bridge

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBadSignature = errors.New("init data signature mismatch")
	ErrExpired      = errors.New("init data expired")
	ErrMalformed    = errors.New("init data malformed")
)

// Verifier checks the host's HMAC-SHA256 signature over initData.
// A zero MaxAge disables the freshness check.
type Verifier struct {
	BotToken string
	MaxAge   time.Duration
	Now      func() time.Time
}

func (v Verifier) Verify(initData string) error {
	if !IsValidData(initData) {
		return ErrMalformed
	}
	values, err := url.ParseQuery(initData)
	if err != nil {
		return ErrMalformed
	}
	want := strings.ToLower(values.Get("hash"))

	got := Sign(v.BotToken, values)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 0 {
		return ErrBadSignature
	}

	if v.MaxAge > 0 {
		ts, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil {
			return ErrMalformed
		}
		now := time.Now
		if v.Now != nil {
			now = v.Now
		}
		if now().Sub(time.Unix(ts, 0)) > v.MaxAge {
			return ErrExpired
		}
	}
	return nil
}

// Valid adapts Verify to the bootstrap's validator signature.
func (v Verifier) Valid(initData string) bool {
	return v.Verify(initData) == nil
}

// Sign computes the hex signature of values, ignoring any "hash" entry.
func Sign(botToken string, values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + values.Get(k)
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))

	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}
