package authn

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewAPIToken mints an opaque bearer token for a signed-in user.
func NewAPIToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api token: %w", err)
	}
	return "flt_" + hex.EncodeToString(buf), nil
}
