package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// VerifyGitHubSignature checks the X-Hub-Signature-256 header: HMAC-SHA-256
// over the raw body, hex-encoded, prefixed "sha256=". Constant-time
// comparison throughout.
func VerifyGitHubSignature(payload []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	received := strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(received), []byte(expected))
}

// VerifyGitLabToken compares the X-Gitlab-Token header against the
// configured token. An unconfigured token always fails rather than allowing
// an empty-token bypass.
func VerifyGitLabToken(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
