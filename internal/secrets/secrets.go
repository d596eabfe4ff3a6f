// Package secrets encrypts estate tokens and environment values with age.
//
// The control plane holds the public key and encrypts on write. Decryption
// happens where the plaintext is needed: the pipeline (to hand a clone token
// to a sandbox) and estate agents (to materialise environment files).
package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

var (
	// ErrNoPublicKey is returned when no public key is configured for encryption.
	ErrNoPublicKey = errors.New("no public key configured for encryption")
	// ErrNoPrivateKey is returned when no private key is configured for decryption.
	ErrNoPrivateKey = errors.New("no private key configured for decryption")
	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed is returned when encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

// Config holds the age keys. Either may be empty.
type Config struct {
	// AgePublicKey is the recipient used for encryption (age1...).
	AgePublicKey string
	// AgePrivateKey is the identity used for decryption (AGE-SECRET-KEY-1...).
	AgePrivateKey string
}

// Service encrypts and decrypts values with age X25519 keys.
type Service struct {
	recipient *age.X25519Recipient
	identity  *age.X25519Identity
	logger    *slog.Logger
}

// NewService parses the configured keys.
func NewService(cfg *Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{logger: logger}

	if cfg.AgePublicKey != "" {
		recipient, err := age.ParseX25519Recipient(cfg.AgePublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid public key: %v", ErrInvalidKey, err)
		}
		svc.recipient = recipient
	}

	if cfg.AgePrivateKey != "" {
		identity, err := age.ParseX25519Identity(cfg.AgePrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key: %v", ErrInvalidKey, err)
		}
		svc.identity = identity
		if svc.recipient == nil {
			svc.recipient = identity.Recipient()
		}
	}

	return svc, nil
}

// CanEncrypt reports whether a recipient is configured.
func (s *Service) CanEncrypt() bool {
	return s.recipient != nil
}

// CanDecrypt reports whether an identity is configured.
func (s *Service) CanDecrypt() bool {
	return s.identity != nil
}

// Seal encrypts plaintext and returns ASCII-armored ciphertext.
func (s *Service) Seal(plaintext string) (string, error) {
	if s.recipient == nil {
		return "", ErrNoPublicKey
	}
	return seal(plaintext, s.recipient)
}

func seal(plaintext string, recipient age.Recipient) (string, error) {
	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)

	w, err := age.Encrypt(aw, recipient)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := aw.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return buf.String(), nil
}

// Open decrypts armored ciphertext produced by Seal.
func (s *Service) Open(ciphertext string) (string, error) {
	if s.identity == nil {
		return "", ErrNoPrivateKey
	}

	r, err := age.Decrypt(armor.NewReader(strings.NewReader(ciphertext)), s.identity)
	if err != nil {
		s.logger.Debug("failed to create age decryptor", "error", err)
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// OpenAll decrypts every value in env. The first failure aborts with the
// offending key in the error.
func (s *Service) OpenAll(env map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(env))
	for k, v := range env {
		plain, err := s.Open(v)
		if err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", k, err)
		}
		out[k] = plain
	}
	return out, nil
}

// PublicKey returns the configured recipient, or empty if none.
func (s *Service) PublicKey() string {
	if s.recipient == nil {
		return ""
	}
	return s.recipient.String()
}

// GenerateKeyPair generates a new age key pair.
func GenerateKeyPair() (publicKey, privateKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate age key pair: %w", err)
	}
	return identity.Recipient().String(), identity.String(), nil
}

// RotationResult is the outcome of re-encrypting a set of values.
type RotationResult struct {
	PublicKey  string
	PrivateKey string
	// Rotated maps group to key to new ciphertext.
	Rotated map[string]map[string]string
	// Failed maps group to key to the error message.
	Failed map[string]map[string]string
}

// Rotate generates a new key pair and re-encrypts every value in groups
// (group to key to ciphertext). Values that fail to decrypt are reported in
// Failed and left out of Rotated. The caller persists the result.
func (s *Service) Rotate(groups map[string]map[string]string) (*RotationResult, error) {
	if !s.CanDecrypt() {
		return nil, ErrNoPrivateKey
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate new key pair: %w", err)
	}
	recipient := identity.Recipient()

	result := &RotationResult{
		PublicKey:  recipient.String(),
		PrivateKey: identity.String(),
		Rotated:    make(map[string]map[string]string),
		Failed:     make(map[string]map[string]string),
	}

	for group, values := range groups {
		result.Rotated[group] = make(map[string]string)
		for key, ciphertext := range values {
			sealed, err := s.reseal(ciphertext, recipient)
			if err != nil {
				s.logger.Error("failed to rotate secret", "group", group, "key", key, "error", err)
				if result.Failed[group] == nil {
					result.Failed[group] = make(map[string]string)
				}
				result.Failed[group][key] = err.Error()
				continue
			}
			result.Rotated[group][key] = sealed
		}
	}

	s.logger.Info("key rotation completed", "groups", len(groups), "failed_groups", len(result.Failed))
	return result, nil
}

func (s *Service) reseal(ciphertext string, recipient age.Recipient) (string, error) {
	plain, err := s.Open(ciphertext)
	if err != nil {
		return "", err
	}
	return seal(plain, recipient)
}
