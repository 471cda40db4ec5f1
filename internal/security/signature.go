package security

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"trustgate/internal/domain"
	"trustgate/internal/infra/tracer"
)

// ErrNoTrustedSignature is returned for a well-formed package whose signature
// matches none of the trusted keys.
var ErrNoTrustedSignature = fmt.Errorf("no trusted signature found: %w", domain.ErrSignatureVerificationFailed)

// TrustedKeySet is an append-only set of RSA keys accepted for verification.
// Keys are tried in insertion order.
type TrustedKeySet struct {
	mu   sync.RWMutex
	keys []*rsa.PublicKey
	seen map[string]struct{}
}

// NewTrustedKeySet creates an empty key set.
func NewTrustedKeySet() *TrustedKeySet {
	return &TrustedKeySet{seen: make(map[string]struct{})}
}

// Add registers pub. It returns the key fingerprint and whether the key was
// new. Keys outside 2048..8192 bits are rejected.
func (s *TrustedKeySet) Add(pub *rsa.PublicKey) (string, bool, error) {
	if pub == nil {
		return "", false, fmt.Errorf("nil public key: %w", domain.ErrInvalidInput)
	}
	if bits := pub.N.BitLen(); bits < minKeyBits || bits > maxKeyBits {
		return "", false, fmt.Errorf("key size %d outside %d..%d: %w", bits, minKeyBits, maxKeyBits, domain.ErrInvalidInput)
	}

	fp := Fingerprint(pub)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[fp]; dup {
		return fp, false, nil
	}
	s.seen[fp] = struct{}{}
	s.keys = append(s.keys, pub)
	return fp, true, nil
}

// Len returns the number of trusted keys.
func (s *TrustedKeySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Fingerprints lists the fingerprints of all trusted keys in insertion order.
func (s *TrustedKeySet) Fingerprints() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.keys))
	for i, k := range s.keys {
		out[i] = Fingerprint(k)
	}
	return out
}

func (s *TrustedKeySet) snapshot() []*rsa.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*rsa.PublicKey, len(s.keys))
	copy(out, s.keys)
	return out
}

// Verifier checks that plugin packages are untampered and signed by a trusted key.
type Verifier struct {
	keys        *TrustedKeySet
	payloadExts []string
	limits      ArchiveLimits
	logger      *slog.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithPayloadExtensions sets the accepted payload extensions (default ".wasm").
func WithPayloadExtensions(exts ...string) VerifierOption {
	return func(v *Verifier) {
		if len(exts) > 0 {
			v.payloadExts = exts
		}
	}
}

// WithArchiveLimits bounds decompression.
func WithArchiveLimits(l ArchiveLimits) VerifierOption {
	return func(v *Verifier) { v.limits = l }
}

// WithLogger sets the verifier logger.
func WithLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

// NewVerifier creates a Verifier over the given key set.
func NewVerifier(keys *TrustedKeySet, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:        keys,
		payloadExts: []string{".wasm"},
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Limits returns the archive limits the verifier reads packages with.
func (v *Verifier) Limits() ArchiveLimits { return v.limits }

// Verify opens the package at path and verifies it. It returns (true, nil) on
// success; every failure carries ErrSignatureVerificationFailed.
func (v *Verifier) Verify(ctx context.Context, path string) (bool, error) {
	a, err := OpenArchive(path, v.limits)
	if err != nil {
		return false, err
	}
	return v.VerifyArchive(ctx, a)
}

// VerifyReader verifies a package held in r.
func (v *Verifier) VerifyReader(ctx context.Context, r io.ReaderAt, size int64) (bool, error) {
	a, err := ReadArchive(r, size, v.limits)
	if err != nil {
		return false, err
	}
	return v.VerifyArchive(ctx, a)
}

// VerifyArchive verifies an already read package.
func (v *Verifier) VerifyArchive(ctx context.Context, a *Archive) (bool, error) {
	ctx, span := tracer.StartSpan(ctx, "security.verify_signature")
	defer span.End()

	ok, err := v.verify(ctx, a)
	if err != nil {
		tracer.RecordError(span, err)
		return false, err
	}
	tracer.SetOK(span)
	return ok, nil
}

func (v *Verifier) verify(ctx context.Context, a *Archive) (bool, error) {
	manifest, ok := a.File(ManifestName)
	if !ok {
		return false, verificationError("Verifier.Verify", "missing required file: "+ManifestName)
	}
	if !a.HasPayload(v.payloadExts) {
		return false, verificationError("Verifier.Verify", fmt.Sprintf("missing payload matching %v", v.payloadExts))
	}
	if len(manifest) == 0 {
		return false, verificationError("Verifier.Verify", ManifestName+" is empty")
	}
	blob, entry := a.Signature()
	if entry == "" {
		return false, verificationError("Verifier.Verify", "no signature file found")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	sig, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(blob)))
	if err != nil {
		v.logger.Warn("signature is not valid base64", "entry", entry, "error", err)
		return false, ErrNoTrustedSignature
	}

	digest := a.Digest()
	for i, key := range v.keys.snapshot() {
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
			v.logger.Debug("signature does not match key", "key_index", i, "sig_len", len(sig))
			continue
		}
		v.logger.Debug("signature verified", "entry", entry, "key", Fingerprint(key))
		return true, nil
	}
	return false, ErrNoTrustedSignature
}
