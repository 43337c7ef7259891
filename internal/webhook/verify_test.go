package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyGitHubSignature(t *testing.T) {
	payload := []byte(`{"action":"labeled"}`)
	secret := "s3cret"

	assert.True(t, VerifyGitHubSignature(payload, sign(payload, secret), secret))
	assert.False(t, VerifyGitHubSignature(payload, sign(payload, "other"), secret))
	assert.False(t, VerifyGitHubSignature(payload, "sha256=deadbeef", secret))
	assert.False(t, VerifyGitHubSignature(payload, "", secret))

	// Missing prefix.
	raw := sign(payload, secret)[len("sha256="):]
	assert.False(t, VerifyGitHubSignature(payload, raw, secret))

	// Unconfigured secret fails closed even with a matching signature.
	assert.False(t, VerifyGitHubSignature(payload, sign(payload, ""), ""))
}

func TestVerifyGitLabToken(t *testing.T) {
	assert.True(t, VerifyGitLabToken("tok", "tok"))
	assert.False(t, VerifyGitLabToken("wrong", "tok"))
	assert.False(t, VerifyGitLabToken("", "tok"))

	// Unconfigured token fails closed.
	assert.False(t, VerifyGitLabToken("", ""))
	assert.False(t, VerifyGitLabToken("anything", ""))
}
