// Package pki provides the asymmetric key capability used to sign and verify
// frames.
package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrInvalidKey    = errors.New("pki: invalid key")
	ErrNoPrivateKey  = errors.New("pki: private key not loaded")
	ErrNoPublicKey   = errors.New("pki: public key not loaded")
	ErrKeyMismatch   = errors.New("pki: public key does not match private key")
	ErrEmptyKeyPaths = errors.New("pki: no key paths configured")
)

// KeyPair is a signing capability. Either half may be absent: a verifier only
// needs the public half, a signer only the private half.
type KeyPair interface {
	SignatureSize() int
	Sign(data []byte) ([]byte, error)
	Verify(data, sig []byte) bool
	HasPrivate() bool
	HasPublic() bool
}

// RSAKeyPair signs SHA-256 digests with RSASSA-PKCS1-v1_5.
type RSAKeyPair struct {
	priv *rsa.PrivateKey
	pub  *rsa.PublicKey
}

// NewRSAKeyPair pairs the given halves. A nil public half is derived from the
// private one.
func NewRSAKeyPair(priv *rsa.PrivateKey, pub *rsa.PublicKey) (*RSAKeyPair, error) {
	if priv == nil && pub == nil {
		return nil, ErrInvalidKey
	}
	if priv != nil {
		if pub == nil {
			pub = &priv.PublicKey
		} else if !priv.PublicKey.Equal(pub) {
			return nil, ErrKeyMismatch
		}
	}
	return &RSAKeyPair{priv: priv, pub: pub}, nil
}

// GenerateRSA creates a fresh key pair of the given modulus size.
func GenerateRSA(bits int) (*RSAKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return NewRSAKeyPair(key, nil)
}

// LoadRSAKeyPair reads PEM key files. Either path may be empty.
func LoadRSAKeyPair(privatePath, publicPath string) (*RSAKeyPair, error) {
	privatePath = strings.TrimSpace(privatePath)
	publicPath = strings.TrimSpace(publicPath)
	if privatePath == "" && publicPath == "" {
		return nil, ErrEmptyKeyPaths
	}
	var (
		priv *rsa.PrivateKey
		pub  *rsa.PublicKey
	)
	if privatePath != "" {
		raw, err := os.ReadFile(privatePath)
		if err != nil {
			return nil, err
		}
		if priv, err = ParsePrivateKeyPEM(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", privatePath, err)
		}
	}
	if publicPath != "" {
		raw, err := os.ReadFile(publicPath)
		if err != nil {
			return nil, err
		}
		if pub, err = ParsePublicKeyPEM(raw); err != nil {
			return nil, fmt.Errorf("%s: %w", publicPath, err)
		}
	}
	return NewRSAKeyPair(priv, pub)
}

func (k *RSAKeyPair) HasPrivate() bool { return k != nil && k.priv != nil }
func (k *RSAKeyPair) HasPublic() bool  { return k != nil && k.pub != nil }

// SignatureSize is the modulus size in bytes; every signature has exactly
// this length.
func (k *RSAKeyPair) SignatureSize() int {
	if k == nil || k.pub == nil {
		return 0
	}
	return k.pub.Size()
}

func (k *RSAKeyPair) Sign(data []byte) ([]byte, error) {
	if !k.HasPrivate() {
		return nil, ErrNoPrivateKey
	}
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, k.priv, crypto.SHA256, digest[:])
}

func (k *RSAKeyPair) Verify(data, sig []byte) bool {
	if !k.HasPublic() || len(sig) != k.SignatureSize() {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(k.pub, crypto.SHA256, digest[:], sig) == nil
}

// PublicOnly returns a verifier sharing this pair's public half.
func (k *RSAKeyPair) PublicOnly() *RSAKeyPair {
	if !k.HasPublic() {
		return nil
	}
	return &RSAKeyPair{pub: k.pub}
}

// Fingerprint is the hex BLAKE2b-256 digest of the PKIX public key.
func (k *RSAKeyPair) Fingerprint() string {
	if !k.HasPublic() {
		return ""
	}
	der, err := x509.MarshalPKIXPublicKey(k.pub)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// ParsePrivateKeyPEM accepts PKCS#1 or PKCS#8 RSA private keys.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidKey
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an rsa private key", ErrInvalidKey)
	}
	return key, nil
}

// ParsePublicKeyPEM accepts PKIX or PKCS#1 RSA public keys.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidKey
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an rsa public key", ErrInvalidKey)
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// ExportPrivateKeyPEM encodes the private half as PKCS#1 PEM.
func (k *RSAKeyPair) ExportPrivateKeyPEM() ([]byte, error) {
	if !k.HasPrivate() {
		return nil, ErrNoPrivateKey
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.priv),
	}), nil
}

// ExportPublicKeyPEM encodes the public half as PKIX PEM.
func (k *RSAKeyPair) ExportPublicKeyPEM() ([]byte, error) {
	if !k.HasPublic() {
		return nil, ErrNoPublicKey
	}
	der, err := x509.MarshalPKIXPublicKey(k.pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// WriteFiles stores both halves, the private one with owner-only permissions.
func (k *RSAKeyPair) WriteFiles(privatePath, publicPath string) error {
	priv, err := k.ExportPrivateKeyPEM()
	if err != nil {
		return err
	}
	pub, err := k.ExportPublicKeyPEM()
	if err != nil {
		return err
	}
	if err := os.WriteFile(privatePath, priv, 0o600); err != nil {
		return err
	}
	return os.WriteFile(publicPath, pub, 0o644)
}
