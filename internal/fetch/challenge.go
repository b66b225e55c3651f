package fetch

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrChallengeUnsolved is returned when a challenge page carries no payload
// the evaluator can reduce to a cookie.
var ErrChallengeUnsolved = errors.New("challenge unsolved")

// payloadPattern finds quoted base64 blobs assigned to a variable.
var payloadPattern = regexp.MustCompile(`[A-Za-z_$][\w$]*\s*=\s*['"]([A-Za-z0-9+/]{16,}={0,2})['"]`)

// SolveChallenge derives the cookie a challenge page expects by decoding its
// embedded payload and evaluating the cookie assignment in a restricted
// expression evaluator. No general script execution takes place.
func SolveChallenge(body string) (Cookie, error) {
	matches := payloadPattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return Cookie{}, fmt.Errorf("%w: no payload found", ErrChallengeUnsolved)
	}
	var lastErr error
	for _, m := range matches {
		decoded, err := decodePayload(m[1])
		if err != nil {
			lastErr = err
			continue
		}
		raw, err := evalCookieScript(decoded)
		if err != nil {
			lastErr = err
			continue
		}
		cookie, err := parseCookie(raw)
		if err != nil {
			lastErr = err
			continue
		}
		return cookie, nil
	}
	return Cookie{}, fmt.Errorf("%w: %v", ErrChallengeUnsolved, lastErr)
}

func decodePayload(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return "", fmt.Errorf("decode payload: %w", err)
		}
	}
	return string(b), nil
}

// parseCookie keeps the leading name=value segment of a document.cookie string.
func parseCookie(raw string) (Cookie, error) {
	segment, _, _ := strings.Cut(raw, ";")
	name, value, ok := strings.Cut(strings.TrimSpace(segment), "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return Cookie{}, fmt.Errorf("malformed cookie %q", raw)
	}
	return Cookie{Name: name, Value: strings.TrimSpace(value)}, nil
}
