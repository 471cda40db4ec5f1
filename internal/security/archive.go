package security

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"trustgate/internal/domain"
)

const (
	// ManifestName is the manifest entry every plugin package must carry.
	ManifestName = "plugin.json"

	// DefaultSignatureEntry is where the signer stores the signature blob.
	DefaultSignatureEntry = "META-INF/SIGNATURE.RSA"

	defaultMaxEntrySize   = 64 << 20
	defaultMaxArchiveSize = 256 << 20
)

// signatureEntries are excluded from the digest. The first one present is the
// signature blob.
var signatureEntries = []string{
	"META-INF/SIGNATURE.RSA",
	"META-INF/SIGNATURE.SF",
	"META-INF/SIGNATURE.DSA",
	"signature.pem",
	"signature.sig",
}

// IsSignatureEntry reports whether name is a signature carrier.
func IsSignatureEntry(name string) bool {
	for _, s := range signatureEntries {
		if name == s {
			return true
		}
	}
	return false
}

// NormalizePath converts backslashes to forward slashes and strips leading "./".
func NormalizePath(name string) string {
	p := strings.ReplaceAll(name, "\\", "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return p
}

// ArchiveEntry is one hashed member of a plugin package.
type ArchiveEntry struct {
	Path    string
	Size    uint64
	Content []byte
}

// Archive is a plugin package read fully into memory. Entries are sorted by
// normalized path and never include signature carriers.
type Archive struct {
	entries   []ArchiveEntry
	index     map[string]int
	signature []byte
	sigEntry  string
}

// ArchiveLimits bounds how much a package may decompress to.
type ArchiveLimits struct {
	MaxEntrySize   int64
	MaxArchiveSize int64
}

func (l ArchiveLimits) withDefaults() ArchiveLimits {
	if l.MaxEntrySize <= 0 {
		l.MaxEntrySize = defaultMaxEntrySize
	}
	if l.MaxArchiveSize <= 0 {
		l.MaxArchiveSize = defaultMaxArchiveSize
	}
	return l
}

// OpenArchive reads a plugin package from disk.
func OpenArchive(path string, limits ArchiveLimits) (*Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, verificationError("OpenArchive", fmt.Sprintf("read %s: %v", path, err))
	}
	return ReadArchive(bytes.NewReader(data), int64(len(data)), limits)
}

// ReadArchive parses a ZIP plugin package. Any structural problem is reported
// as ErrSignatureVerificationFailed so that a malformed package can never be
// mistaken for a merely untrusted one.
func ReadArchive(r io.ReaderAt, size int64, limits ArchiveLimits) (*Archive, error) {
	limits = limits.withDefaults()

	// Backslash and "./" names are normalized below, not refused.
	zr, err := zip.NewReader(r, size)
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && zr != nil) {
		return nil, verificationError("ReadArchive", fmt.Sprintf("read zip: %v", err))
	}

	a := &Archive{index: make(map[string]int, len(zr.File))}
	carriers := make(map[string][]byte)
	var total int64

	for _, f := range zr.File {
		content, err := readEntry(f, limits.MaxEntrySize)
		if err != nil {
			return nil, verificationError("ReadArchive", fmt.Sprintf("entry %q: %v", f.Name, err))
		}
		total += int64(len(content))
		if total > limits.MaxArchiveSize {
			return nil, verificationError("ReadArchive", fmt.Sprintf("archive exceeds %d bytes decompressed", limits.MaxArchiveSize))
		}

		if IsSignatureEntry(f.Name) {
			carriers[f.Name] = content
			continue
		}

		p := NormalizePath(f.Name)
		if _, dup := a.index[p]; dup {
			return nil, verificationError("ReadArchive", fmt.Sprintf("duplicate entry %q after normalization", p))
		}
		a.index[p] = len(a.entries)
		a.entries = append(a.entries, ArchiveEntry{Path: p, Size: uint64(len(content)), Content: content})
	}

	sort.Slice(a.entries, func(i, j int) bool { return a.entries[i].Path < a.entries[j].Path })
	for i, e := range a.entries {
		a.index[e.Path] = i
	}

	for _, name := range signatureEntries {
		if sig, ok := carriers[name]; ok {
			a.signature, a.sigEntry = sig, name
			break
		}
	}
	return a, nil
}

func readEntry(f *zip.File, maxSize int64) ([]byte, error) {
	if f.UncompressedSize64 > uint64(maxSize) {
		return nil, fmt.Errorf("declared size %d exceeds limit %d", f.UncompressedSize64, maxSize)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > maxSize {
		return nil, fmt.Errorf("decompressed size exceeds limit %d", maxSize)
	}
	return content, nil
}

// Entries returns the hashed entries in digest order.
func (a *Archive) Entries() []ArchiveEntry { return a.entries }

// Paths returns the normalized entry paths in digest order.
func (a *Archive) Paths() []string {
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Path
	}
	return out
}

// File returns the content of the entry at the normalized path.
func (a *Archive) File(path string) ([]byte, bool) {
	i, ok := a.index[NormalizePath(path)]
	if !ok {
		return nil, false
	}
	return a.entries[i].Content, true
}

// Signature returns the raw signature blob and the entry it came from.
func (a *Archive) Signature() ([]byte, string) { return a.signature, a.sigEntry }

// HasPayload reports whether any entry ends with one of exts.
func (a *Archive) HasPayload(exts []string) bool {
	for _, e := range a.entries {
		for _, ext := range exts {
			if strings.HasSuffix(e.Path, ext) {
				return true
			}
		}
	}
	return false
}

// Message returns the exact byte sequence that is signed:
// for each entry in order, path '|' decimal size '|' content.
func (a *Archive) Message() []byte {
	var buf bytes.Buffer
	a.writeMessage(&buf)
	return buf.Bytes()
}

// Digest returns SHA-256 over Message.
func (a *Archive) Digest() [sha256.Size]byte {
	h := sha256.New()
	a.writeMessage(h)
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (a *Archive) writeMessage(w io.Writer) {
	for _, e := range a.entries {
		io.WriteString(w, e.Path)
		w.Write([]byte{'|'})
		io.WriteString(w, strconv.FormatUint(e.Size, 10))
		w.Write([]byte{'|'})
		w.Write(e.Content)
	}
}

func verificationError(op, detail string) error {
	return domain.NewSubSystemError("signature", op, domain.ErrSignatureVerificationFailed, detail)
}
