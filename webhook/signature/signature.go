package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marcelsud/webhook-relay/webhook"
)

/* Standard Webhooks signing (https://www.standardwebhooks.com)
 * signed content: {webhook-id}.{webhook-timestamp}.{body}
 * signature header: space separated "v1,<base64 hmac-sha256>" entries
 * Timestamps older than webhook.ExpirationWindow are stale
 */

const (
	SecretPrefix = "whsec_"
	Version      = "v1"

	HeaderID        = "webhook-id"
	HeaderTimestamp = "webhook-timestamp"
	HeaderSignature = "webhook-signature"

	minSecretBytes = 24
	maxSecretBytes = 64
)

// Tolerance is how far a declared timestamp may lie in the past or the future
const Tolerance = webhook.ExpirationWindow

// Secret is a symmetric signing key
type Secret []byte

// NewSecret generates a random secret of size bytes
func NewSecret(size int) (Secret, error) {
	if size < minSecretBytes || size > maxSecretBytes {
		return nil, fmt.Errorf("secret size must be between %d and %d bytes", minSecretBytes, maxSecretBytes)
	}
	s := make(Secret, size)
	if _, err := rand.Read(s); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	return s, nil
}

// ParseSecret decodes a whsec_ prefixed base64 secret
func ParseSecret(encoded string) (Secret, error) {
	b64, ok := strings.CutPrefix(strings.TrimSpace(encoded), SecretPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: secret must start with %s", webhook.ErrConfig, SecretPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding secret: %v", webhook.ErrConfig, err)
	}
	if len(raw) < minSecretBytes || len(raw) > maxSecretBytes {
		return nil, fmt.Errorf("%w: secret must be between %d and %d bytes (got %d)", webhook.ErrConfig, minSecretBytes, maxSecretBytes, len(raw))
	}
	return Secret(raw), nil
}

func (s Secret) String() string {
	return SecretPrefix + base64.StdEncoding.EncodeToString(s)
}

// Sign returns the "v1,<signature>" entry for one message
func Sign(secret Secret, msgID string, ts time.Time, body []byte) string {
	return Version + "," + base64.StdEncoding.EncodeToString(mac(secret, msgID, ts.Unix(), body))
}

// Headers returns the three Standard Webhooks headers for a message
func Headers(secret Secret, msgID string, ts time.Time, body []byte) http.Header {
	h := make(http.Header)
	h.Set(HeaderID, msgID)
	h.Set(HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
	h.Set(HeaderSignature, Sign(secret, msgID, ts, body))
	return h
}

// ParseTimestamp reads a webhook-timestamp value (unix seconds)
func ParseTimestamp(raw string) (time.Time, error) {
	sec, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", webhook.ErrAuth, raw)
	}
	return time.Unix(sec, 0).UTC(), nil
}

/* CheckTimestamp applies the staleness rule
 * older than Tolerance: webhook.ErrExpired
 * further than Tolerance in the future: webhook.ErrAuth
 */
func CheckTimestamp(ts, now time.Time) error {
	age := now.Sub(ts)
	if age > Tolerance {
		return fmt.Errorf("timestamp is %s old: %w", age.Truncate(time.Second), webhook.ErrExpired)
	}
	if -age > Tolerance {
		return fmt.Errorf("%w: timestamp is %s in the future", webhook.ErrAuth, (-age).Truncate(time.Second))
	}
	return nil
}

// Verify checks a webhook-signature header; any matching v1 entry is accepted
func Verify(secret Secret, msgID string, ts time.Time, body []byte, header string) error {
	expected := mac(secret, msgID, ts.Unix(), body)

	for _, entry := range strings.Fields(header) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != Version {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", webhook.ErrAuth)
}

type Verifier struct {
	secrets []Secret
	now     func() time.Time
}

// NewVerifier accepts messages signed by any of secrets, so keys can be rotated
func NewVerifier(secrets ...Secret) *Verifier {
	return &Verifier{secrets: secrets, now: time.Now}
}

// WithClock replaces the clock used for the staleness rule
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// VerifyRequest checks the Standard Webhooks headers of an inbound request against body
func (v *Verifier) VerifyRequest(h http.Header, body []byte) error {
	msgID := h.Get(HeaderID)
	rawTS := h.Get(HeaderTimestamp)
	sigs := h.Get(HeaderSignature)
	if msgID == "" || rawTS == "" || sigs == "" {
		return fmt.Errorf("%w: missing %s, %s or %s header", webhook.ErrAuth, HeaderID, HeaderTimestamp, HeaderSignature)
	}

	ts, err := ParseTimestamp(rawTS)
	if err != nil {
		return err
	}
	if err := CheckTimestamp(ts, v.now()); err != nil {
		return err
	}

	for _, secret := range v.secrets {
		if err := Verify(secret, msgID, ts, body, sigs); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: signature mismatch for message %s", webhook.ErrAuth, msgID)
}

func mac(secret Secret, msgID string, unix int64, body []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(msgID))
	m.Write([]byte{'.'})
	m.Write([]byte(strconv.FormatInt(unix, 10)))
	m.Write([]byte{'.'})
	m.Write(body)
	return m.Sum(nil)
}
