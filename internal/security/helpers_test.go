package security

import (
	"bytes"
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	keyOnce  sync.Once
	testKeys [2]*rsa.PrivateKey
)

// signingKeys returns two 2048-bit keys shared across the package tests.
func signingKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		for i := range testKeys {
			k, err := GenerateKey(2048)
			if err != nil {
				panic(err)
			}
			testKeys[i] = k
		}
	})
	return testKeys[0], testKeys[1]
}

func basicFiles() []PackageFile {
	return []PackageFile{
		{Name: "plugin.json", Content: []byte(`{"id":"demo","name":"Demo","version":"1.0.0"}`)},
		{Name: "plugin.wasm", Content: []byte("\x00asm\x01\x00\x00\x00")},
		{Name: "assets/readme.txt", Content: []byte("hello")},
	}
}

func buildPackage(t *testing.T, files []PackageFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WritePackage(&buf, files))
	return buf.Bytes()
}

func signedPackage(t *testing.T, files []PackageFile, key *rsa.PrivateKey) []byte {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, SignPackage(buildPackage(t, files), key, &out))
	return out.Bytes()
}

func readArchive(t *testing.T, data []byte) *Archive {
	t.Helper()
	a, err := ReadArchive(bytes.NewReader(data), int64(len(data)), ArchiveLimits{})
	require.NoError(t, err)
	return a
}

func signatureOf(t *testing.T, data []byte) []byte {
	t.Helper()
	sig, entry := readArchive(t, data).Signature()
	require.Equal(t, DefaultSignatureEntry, entry)
	return sig
}
