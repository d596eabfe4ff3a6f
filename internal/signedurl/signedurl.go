// Package signedurl mints and verifies time-boxed, HMAC-signed URLs used as
// bearer credentials by sandboxes that hold no platform session.
package signedurl

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Query parameter names.
const (
	ParamExpires   = "expires"
	ParamSignature = "signature"
)

// Key derivation purposes.
const (
	PurposeCallback = "build-callback"
	PurposeIngest   = "log-ingest"
)

var (
	// ErrInsecureScheme is returned when signing a non-https URL.
	ErrInsecureScheme = errors.New("signed urls require https")
	// ErrEmptySecret is returned when signing with an empty key.
	ErrEmptySecret = errors.New("signing secret is empty")
)

// Signer signs and verifies URLs against a clock.
type Signer struct {
	Now func() time.Time
}

func (s Signer) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Sign appends expires and signature parameters to rawURL.
func (s Signer) Sign(rawURL string, secret []byte, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "https" {
		return "", ErrInsecureScheme
	}

	q := u.Query()
	q.Del(ParamSignature)
	q.Set(ParamExpires, strconv.FormatInt(s.now().Add(ttl).Unix(), 10))

	sig := compute(secret, u.EscapedPath(), q)
	q.Set(ParamSignature, sig)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Verify reports whether rawURL carries a valid, unexpired signature.
// It never returns an error: any malformed input is simply invalid.
func (s Signer) Verify(rawURL string, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return false
	}

	sig := q.Get(ParamSignature)
	exp := q.Get(ParamExpires)
	if sig == "" || exp == "" || len(q[ParamSignature]) != 1 || len(q[ParamExpires]) != 1 {
		return false
	}
	expires, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return false
	}
	if s.now().Unix() > expires {
		return false
	}

	// The lowercase hex text is compared as sent, so a re-cased signature
	// does not verify.
	q.Del(ParamSignature)
	return hmac.Equal([]byte(sig), []byte(compute(secret, u.EscapedPath(), q)))
}

// compute returns the hex HMAC-SHA256 of path + "?" + the encoded query.
// url.Values.Encode sorts by key, which makes the payload canonical.
func compute(secret []byte, path string, q url.Values) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(path + "?" + q.Encode()))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign signs rawURL with the wall clock.
func Sign(rawURL string, secret []byte, ttl time.Duration) (string, error) {
	return Signer{}.Sign(rawURL, secret, ttl)
}

// Verify verifies rawURL with the wall clock.
func Verify(rawURL string, secret []byte) bool {
	return Signer{}.Verify(rawURL, secret)
}

// DeriveKey derives a 32-byte purpose-bound key from the master secret so a
// URL signed for one purpose does not verify for another.
func DeriveKey(master []byte, purpose string) []byte {
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, master, nil, []byte("sandbox-plane/"+purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails after 255*32 bytes of output.
		panic(fmt.Sprintf("deriving key: %v", err))
	}
	return key
}
