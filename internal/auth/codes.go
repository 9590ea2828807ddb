package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// unambiguousCharset omits 0/O/1/I/L, which are easy to misread in email
// clients and on printed backup codes.
const unambiguousCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// GenerateEmailCode produces a one-time code in the configured format:
// "numeric_6" (default), "numeric_8", or "alphanumeric_6".
func GenerateEmailCode(format string) (string, error) {
	switch format {
	case "numeric_8":
		return randomDigits(8)
	case "alphanumeric_6":
		return randomFromCharset(unambiguousCharset, 6)
	default: // numeric_6
		return randomDigits(6)
	}
}

// GenerateBackupCodes generates count high-entropy single-use codes, 8 chars
// each from the unambiguous charset.
func GenerateBackupCodes(count int) ([]string, error) {
	codes := make([]string, count)
	for i := range codes {
		code, err := randomFromCharset(unambiguousCharset, 8)
		if err != nil {
			return nil, err
		}
		codes[i] = code
	}
	return codes, nil
}

// GenerateSalt returns a random salt for backup code hashing.
func GenerateSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NormalizeCode case-folds and trims a submitted code so that verification is
// case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// HashCode returns the hex sha256 of a normalized code with an optional salt
// prefix. Email codes use an empty salt (the code space plus TTL bounds
// brute force); backup codes are long-lived and get a per-code salt.
func HashCode(salt, code string) string {
	sum := sha256.Sum256([]byte(salt + NormalizeCode(code)))
	return hex.EncodeToString(sum[:])
}

// CodesEqual compares two hex hashes in constant time.
func CodesEqual(hashA, hashB string) bool {
	return subtle.ConstantTimeCompare([]byte(hashA), []byte(hashB)) == 1
}

func randomDigits(n int) (string, error) {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to generate random digit: %w", err)
		}
		sb.WriteByte(byte('0' + d.Int64()))
	}
	return sb.String(), nil
}

func randomFromCharset(charset string, n int) (string, error) {
	max := big.NewInt(int64(len(charset)))
	code := make([]byte, n)
	for i := range code {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random byte: %w", err)
		}
		code[i] = charset[idx.Int64()]
	}
	return string(code), nil
}
