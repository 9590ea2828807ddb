package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DeviceFingerprint hashes user-agent and accept-language into a stable
// device identifier. IP is deliberately excluded: mobile networks roam, and
// trust grants should survive an address change.
func DeviceFingerprint(userAgent, acceptLanguage string) string {
	sum := sha256.Sum256([]byte(userAgent + "|" + acceptLanguage))
	return hex.EncodeToString(sum[:])
}

// SessionFingerprint hashes the parsed device triple used by the security
// detector to recognize devices across sessions independent of UA minutiae
// like patch versions.
func SessionFingerprint(browser, os, deviceType string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(browser) + "|" + strings.ToLower(os) + "|" + strings.ToLower(deviceType)))
	return hex.EncodeToString(sum[:])
}
