package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/url"
	"sort"
	"strings"
)

var (
	ErrMissingSignature = errors.New("missing twilio signature")
	ErrInvalidSignature = errors.New("invalid twilio signature")
)

// SignatureHeader carries the request signature on every webhook.
const SignatureHeader = "X-Twilio-Signature"

// ValidateSignature checks a webhook signature: base64 HMAC-SHA1, keyed by the
// auth token, over the full request URL followed by every POST parameter
// name and value sorted by name.
func ValidateSignature(authToken, signature, fullURL string, params url.Values) error {
	if signature == "" {
		return ErrMissingSignature
	}

	expected := Sign(authToken, fullURL, params)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the signature the provider would send for a request.
func Sign(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, key := range keys {
		values := append([]string(nil), params[key]...)
		sort.Strings(values)
		for _, value := range values {
			b.WriteString(key)
			b.WriteString(value)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
