package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"

	"trustgate/internal/domain"
)

const (
	minKeyBits = 2048
	maxKeyBits = 8192
)

// GenerateKey creates a new RSA signing key. Only 2048 and 4096 bits are offered.
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits != 2048 && bits != 4096 {
		return nil, fmt.Errorf("key size %d: %w (use 2048 or 4096)", bits, domain.ErrInvalidInput)
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// ParsePublicKey accepts PEM ("PUBLIC KEY" or "RSA PUBLIC KEY") or raw DER in
// PKIX or PKCS#1 form.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}

	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, not RSA: %w", pub, domain.ErrInvalidInput)
		}
		return rsaPub, nil
	}
	if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return pub, nil
	}
	// A private key file also carries the public half.
	if priv, err := ParsePrivateKey(data); err == nil {
		return &priv.PublicKey, nil
	}
	return nil, fmt.Errorf("unrecognized public key encoding: %w", domain.ErrInvalidInput)
}

// ParsePrivateKey accepts PEM or DER in PKCS#8 or PKCS#1 form.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, not RSA: %w", key, domain.ErrInvalidInput)
		}
		return rsaKey, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unrecognized private key encoding: %w", domain.ErrInvalidInput)
}

// LoadPublicKeyFile reads and parses a public key file.
func LoadPublicKeyFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParsePublicKey(data)
}

// LoadPrivateKeyFile reads and parses a private key file.
func LoadPrivateKeyFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivateKey(data)
}

// EncodePublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" block.
func EncodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// EncodePrivateKeyPEM encodes key as a PKCS#8 "PRIVATE KEY" block.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Fingerprint is the hex SHA-256 of the PKCS#1 encoding of pub.
func Fingerprint(pub *rsa.PublicKey) string {
	der := x509.MarshalPKCS1PublicKey(pub)
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
