package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/scrypt"
)

const encryptedPrefix = "ENC:"

// EnvManager reads prefixed environment variables, decrypting ENC: values
type EnvManager struct {
	encryptionKey []byte
	prefix        string
}

// NewEnvManager creates a new environment variable manager. An empty
// masterKey falls back to MINIQUANT_MASTER_KEY.
func NewEnvManager(masterKey string, prefix string) *EnvManager {
	if masterKey == "" {
		masterKey = os.Getenv("MINIQUANT_MASTER_KEY")
	}
	if prefix == "" {
		prefix = "MINIQUANT_"
	}

	em := &EnvManager{prefix: prefix}
	if masterKey != "" {
		// scrypt 派生 AES-256 密钥
		key, err := scrypt.Key([]byte(masterKey), []byte("miniquant-salt"), 32768, 8, 1, 32)
		if err == nil {
			em.encryptionKey = key
		}
	}
	return em
}

// LoadDotEnv loads .env files without overriding variables already set.
// Missing files are skipped.
func LoadDotEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, name := range filenames {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("failed to load %s: %w", name, err)
		}
	}
	return nil
}

func (em *EnvManager) key(name string) string {
	return em.prefix + strings.ToUpper(name)
}

// GetString gets a string environment variable
func (em *EnvManager) GetString(key string, defaultValue string) string {
	value := os.Getenv(em.key(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// GetInt gets an integer environment variable
func (em *EnvManager) GetInt(key string, defaultValue int) int {
	if intValue, err := strconv.Atoi(em.GetString(key, "")); err == nil {
		return intValue
	}
	return defaultValue
}

// GetBool gets a boolean environment variable
func (em *EnvManager) GetBool(key string, defaultValue bool) bool {
	if boolValue, err := strconv.ParseBool(em.GetString(key, "")); err == nil {
		return boolValue
	}
	return defaultValue
}

// GetDuration gets a duration environment variable
func (em *EnvManager) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if duration, err := time.ParseDuration(em.GetString(key, "")); err == nil {
		return duration
	}
	return defaultValue
}

// GetEncryptedString returns the variable, decrypting it when it carries the
// ENC: prefix. Undecryptable values fall back to defaultValue.
func (em *EnvManager) GetEncryptedString(key string, defaultValue string) string {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if !strings.HasPrefix(value, encryptedPrefix) {
		return value
	}

	plain, err := em.Decrypt(strings.TrimPrefix(value, encryptedPrefix))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to decrypt %s: %v\n", em.key(key), err)
		return defaultValue
	}
	return plain
}

// SetString sets a string environment variable
func (em *EnvManager) SetString(key string, value string) error {
	return os.Setenv(em.key(key), value)
}

// SetEncryptedString stores value encrypted with the ENC: prefix
func (em *EnvManager) SetEncryptedString(key string, value string) error {
	encrypted, err := em.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt value: %w", err)
	}
	return em.SetString(key, encryptedPrefix+encrypted)
}

// Encrypt seals plaintext with AES-GCM and returns base64 text
func (em *EnvManager) Encrypt(plaintext string) (string, error) {
	gcm, err := em.cipher()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens text produced by Encrypt
func (em *EnvManager) Decrypt(encoded string) (string, error) {
	gcm, err := em.cipher()
	if err != nil {
		return "", err
	}

	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (em *EnvManager) cipher() (cipher.AEAD, error) {
	if len(em.encryptionKey) == 0 {
		return nil, fmt.Errorf("no master key configured")
	}
	block, err := aes.NewCipher(em.encryptionKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ValidateRequired checks if all required environment variables are set
func (em *EnvManager) ValidateRequired(required []string) error {
	var missing []string
	for _, key := range required {
		if os.Getenv(em.key(key)) == "" {
			missing = append(missing, em.key(key))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}
