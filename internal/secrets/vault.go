package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
	"gopkg.in/yaml.v3"
)

const (
	encPrefix     = "enc:"
	kdfIterations = 100000
	kdfKeyLen     = 32
)

// kdfSalt is fixed so keys derived from the same master key survive restarts
var kdfSalt = []byte("netvault_static_salt_01")

var (
	// ErrNotFound is returned when a credential handle does not resolve
	ErrNotFound = errors.New("credential not found")
	// ErrNoMasterKey is returned when encrypted values exist but no master key is configured
	ErrNoMasterKey = errors.New("credentials master key is not set")
)

// Credential is the resolved secret material for one handle
type Credential struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Community    string `yaml:"community"`
	SNMPVersion  string `yaml:"snmp_version"`
	AuthProtocol string `yaml:"auth_protocol"`
	AuthKey      string `yaml:"auth_key"`
	PrivProtocol string `yaml:"priv_protocol"`
	PrivKey      string `yaml:"priv_key"`
	PrivateKey   string `yaml:"private_key"`
	APIKey       string `yaml:"api_key"`
	Token        string `yaml:"token"`
}

// LogValue keeps secret material out of logs
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("snmp_version", c.SNMPVersion),
		slog.Bool("has_password", c.Password != ""),
		slog.Bool("has_key", c.PrivateKey != "" || c.APIKey != "" || c.Token != ""),
	)
}

// String redacts the credential when formatted
func (c Credential) String() string {
	return fmt.Sprintf("Credential{username=%q, redacted}", c.Username)
}

// Resolver turns an opaque credential handle into secret material at call time
type Resolver interface {
	Resolve(ctx context.Context, ref string) (Credential, error)
}

// Static is an in-memory resolver
type Static map[string]Credential

// Resolve implements Resolver
func (s Static) Resolve(_ context.Context, ref string) (Credential, error) {
	if ref == "" {
		return Credential{}, nil
	}
	cred, ok := s[ref]
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return cred, nil
}

// Vault resolves handles from a YAML credentials file. Secret fields may be
// stored encrypted with the "enc:" prefix and are decrypted on resolve.
type Vault struct {
	mu        sync.RWMutex
	path      string
	masterKey string
	gcm       cipher.AEAD
	entries   map[string]Credential
	logger    *slog.Logger
}

type vaultFile struct {
	Credentials map[string]Credential `yaml:"credentials"`
}

// NewVault creates a vault bound to a master key; Load reads the file
func NewVault(path, masterKey string, logger *slog.Logger) *Vault {
	return &Vault{
		path:      path,
		masterKey: masterKey,
		entries:   map[string]Credential{},
		logger:    logger,
	}
}

// Load reads the credentials file. An empty path yields an empty vault.
func (v *Vault) Load() error {
	if v.path == "" {
		return nil
	}

	data, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("failed to read credentials file: %w", err)
	}

	var file vaultFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}

	v.mu.Lock()
	v.entries = file.Credentials
	if v.entries == nil {
		v.entries = map[string]Credential{}
	}
	v.mu.Unlock()

	v.logger.Info("Credentials loaded", "path", v.path, "count", len(file.Credentials))
	return nil
}

// Resolve implements Resolver
func (v *Vault) Resolve(_ context.Context, ref string) (Credential, error) {
	if ref == "" {
		return Credential{}, nil
	}

	v.mu.RLock()
	cred, ok := v.entries[ref]
	v.mu.RUnlock()
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	fields := []*string{&cred.Password, &cred.Community, &cred.AuthKey, &cred.PrivKey, &cred.PrivateKey, &cred.APIKey, &cred.Token}
	for _, f := range fields {
		if !strings.HasPrefix(*f, encPrefix) {
			continue
		}
		plain, err := v.Decrypt(*f)
		if err != nil {
			return Credential{}, fmt.Errorf("failed to decrypt credential %s: %w", ref, err)
		}
		*f = plain
	}

	return cred, nil
}

// Encrypt seals plaintext under the master key and returns an "enc:" value
func (v *Vault) Encrypt(plaintext string) (string, error) {
	gcm, err := v.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an "enc:" value
func (v *Vault) Decrypt(value string) (string, error) {
	gcm, err := v.aead()
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to open ciphertext: %w", err)
	}
	return string(plain), nil
}

func (v *Vault) aead() (cipher.AEAD, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.gcm != nil {
		return v.gcm, nil
	}
	if v.masterKey == "" {
		return nil, ErrNoMasterKey
	}

	key := pbkdf2.Key([]byte(v.masterKey), kdfSalt, kdfIterations, kdfKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}

	v.gcm = gcm
	return gcm, nil
}
