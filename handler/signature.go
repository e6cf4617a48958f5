package handler

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"sort"
	"strings"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

var (
	ErrMissingSignature = errors.New("missing twilio signature")
	ErrInvalidSignature = errors.New("invalid twilio signature")
)

// Sign computes the Twilio signature of a form POST: the full URL followed by
// every parameter name and value in name order, HMAC-SHA1 with the auth token,
// base64 encoded.
func Sign(authToken, url string, params map[string][]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(url)
	for _, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the expected value for the request.
func VerifySignature(authToken, url string, params map[string][]string, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	expected := Sign(authToken, url, params)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
