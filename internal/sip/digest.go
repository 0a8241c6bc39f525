package sip

import (
	"fmt"

	"github.com/icholy/digest"
)

// ComputeDigestResponse turns a digest challenge header value into a
// ready-to-send credentials header value. Stateless: a fresh client
// nonce is generated on every call, so a retried challenge must be
// recomputed rather than replayed.
func ComputeDigestResponse(method, uri, username, password, challenge string) (string, error) {
	chal, err := digest.ParseChallenge(challenge)
	if err != nil {
		return "", fmt.Errorf("parsing digest challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", fmt.Errorf("computing digest response: %w", err)
	}
	return cred.String(), nil
}
