package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

// totpPeriod is the code rotation interval shared with authenticator apps.
const totpPeriod = 30 * time.Second

// TOTPManager handles TOTP secret generation, at-rest encryption, and code
// validation.
type TOTPManager struct {
	encryptionKey []byte // 32-byte AES-256 key
	issuer        string
	clock         clockwork.Clock
}

// NewTOTPManager creates a new TOTP manager.
// encryptionKey must be exactly 32 bytes for AES-256.
func NewTOTPManager(encryptionKey []byte, issuer string, clock clockwork.Clock) (*TOTPManager, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}

	return &TOTPManager{
		encryptionKey: encryptionKey,
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// Enrollment is the output of GenerateEnrollment. Secret is the base32 shared
// secret shown to the user once; EncryptedSecret/Nonce are what gets stored.
type Enrollment struct {
	Secret          string
	OTPAuthURL      string
	QRDataURL       string
	EncryptedSecret []byte
	Nonce           []byte
}

// GenerateEnrollment creates a fresh shared secret (256 bits) and the
// otpauth:// provisioning URI plus a PNG QR code for authenticator apps.
func (tm *TOTPManager) GenerateEnrollment(accountName string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: accountName,
		SecretSize:  32,
		Period:      30,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	encrypted, nonce, err := tm.EncryptSecret([]byte(key.Secret()))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	qr, err := qrcode.New(key.URL(), qrcode.Highest)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}

	qrImage, err := qr.PNG(200)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return &Enrollment{
		Secret:          key.Secret(),
		OTPAuthURL:      key.URL(),
		QRDataURL:       "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrImage),
		EncryptedSecret: encrypted,
		Nonce:           nonce,
	}, nil
}

// EncryptSecret encrypts a TOTP secret using AES-256-GCM.
// Returns: (encryptedBytes, nonce, error)
func (tm *TOTPManager) EncryptSecret(secret []byte) ([]byte, []byte, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, secret, nil)

	return ciphertext, nonce, nil
}

// DecryptSecret decrypts an encrypted TOTP secret.
func (tm *TOTPManager) DecryptSecret(encrypted, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return plaintext, nil
}

// Validate checks a TOTP code against the base32 secret, accepting the
// current 30-second step and its ±1 neighbors. Codes are single-use per
// step: when the matched step is at or before the one recorded in
// lastUsedAt the code is a replay, while a fresh code from a later step
// stays acceptable immediately.
//
// On success it returns the start of the matched step, which callers
// persist as the new lastUsedAt.
func (tm *TOTPManager) Validate(secret []byte, code string, lastUsedAt *time.Time) (bool, time.Time, error) {
	now := tm.clock.Now()
	for _, skew := range []time.Duration{0, -totpPeriod, totpPeriod} {
		at := now.Add(skew)
		expected, err := totp.GenerateCodeCustom(string(secret), at, totp.ValidateOpts{
			Period:    30,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			return false, time.Time{}, fmt.Errorf("failed to validate TOTP: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) != 1 {
			continue
		}

		step := at.Truncate(totpPeriod)
		if lastUsedAt != nil && !step.After(lastUsedAt.Truncate(totpPeriod)) {
			return false, time.Time{}, fmt.Errorf("code replay detected")
		}
		return true, step, nil
	}

	return false, time.Time{}, nil
}
