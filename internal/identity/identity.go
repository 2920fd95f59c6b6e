// Package identity manages the relay's long-term device identity: an
// ed25519 keypair persisted under the state directory and the signature
// the gateway verifies during the connect handshake.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// deviceFile is the on-disk identity record. Keys are stored base64url
// without padding, matching the encoding sent on the wire.
type deviceFile struct {
	DeviceID   string `json:"deviceId"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// Device is a loaded identity. Immutable after load; safe for concurrent
// use by the gateway client.
type Device struct {
	id   string
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// LoadOrCreate reads the device identity from <stateDir>/identity/device.json,
// generating and persisting a fresh keypair on first run.
func LoadOrCreate(stateDir string) (*Device, error) {
	path := filepath.Join(stateDir, "identity", "device.json")

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var f deviceFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("identity: corrupted device file %s: %w", path, err)
		}
		return f.device()
	case errors.Is(err, os.ErrNotExist):
		return generate(path)
	default:
		return nil, fmt.Errorf("identity: read device file: %w", err)
	}
}

// generate mints a new keypair and persists it atomically via temp file +
// rename so a crash never leaves a half-written identity.
func generate(path string) (*Device, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}

	f := deviceFile{
		DeviceID:   deviceIDFor(pub),
		PublicKey:  base64.RawURLEncoding.EncodeToString(pub),
		PrivateKey: base64.RawURLEncoding.EncodeToString(priv),
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("identity: marshal device file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create identity dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "device.*.tmp")
	if err != nil {
		return nil, fmt.Errorf("identity: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("identity: write device file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("identity: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return nil, fmt.Errorf("identity: chmod device file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("identity: rename device file: %w", err)
	}
	ok = true

	return f.device()
}

func (f deviceFile) device() (*Device, error) {
	pub, err := base64.RawURLEncoding.DecodeString(f.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: invalid public key")
	}
	priv, err := base64.RawURLEncoding.DecodeString(f.PrivateKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: invalid private key")
	}
	id := f.DeviceID
	if id == "" {
		id = deviceIDFor(pub)
	}
	return &Device{id: id, pub: pub, priv: priv}, nil
}

// deviceIDFor derives the stable device id from the public key so the id
// survives even if the device file loses the field.
func deviceIDFor(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:16])
}

// DeviceID returns the stable identity presented to the gateway.
func (d *Device) DeviceID() string { return d.id }

// PublicKeyBase64 returns the base64url public key for the device block.
func (d *Device) PublicKeyBase64() string {
	return base64.RawURLEncoding.EncodeToString(d.pub)
}

// Sign signs the canonical connect payload, returning base64url.
func (d *Device) Sign(payload string) string {
	sig := ed25519.Sign(d.priv, []byte(payload))
	return base64.RawURLEncoding.EncodeToString(sig)
}

// Verify checks a signature produced by Sign. Used in tests and by local
// tooling; the gateway performs the authoritative verification.
func (d *Device) Verify(payload, signature string) bool {
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(d.pub, []byte(payload), sig)
}
