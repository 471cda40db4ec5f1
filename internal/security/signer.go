package security

import (
	"archive/zip"
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PackageFile is one member written by WritePackage.
type PackageFile struct {
	Name    string
	Content []byte
}

// WritePackage writes files as a ZIP plugin package in the given order.
func WritePackage(w io.Writer, files []PackageFile) error {
	zw := zip.NewWriter(w)
	for _, f := range files {
		fw, err := zw.Create(f.Name)
		if err != nil {
			return fmt.Errorf("create %s: %w", f.Name, err)
		}
		if _, err := fw.Write(f.Content); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	return zw.Close()
}

// PackDir builds an unsigned package from every regular file under dir.
func PackDir(dir string, w io.Writer) error {
	var files []PackageFile
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if IsSignatureEntry(name) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, PackageFile{Name: name, Content: data})
		return nil
	})
	if err != nil {
		return fmt.Errorf("pack %s: %w", dir, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return WritePackage(w, files)
}

// SignArchive computes the signature for a package.
func SignArchive(a *Archive, key *rsa.PrivateKey) ([]byte, error) {
	digest := a.Digest()
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return []byte(base64.StdEncoding.EncodeToString(sig)), nil
}

// SignPackage copies the package in src to w with every existing signature
// carrier dropped and a fresh META-INF/SIGNATURE.RSA appended.
func SignPackage(src []byte, key *rsa.PrivateKey, w io.Writer) error {
	a, err := ReadArchive(bytes.NewReader(src), int64(len(src)), ArchiveLimits{})
	if err != nil {
		return err
	}
	sig, err := SignArchive(a, key)
	if err != nil {
		return err
	}

	zr, err := zip.NewReader(bytes.NewReader(src), int64(len(src)))
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && zr != nil) {
		return fmt.Errorf("reopen package: %w", err)
	}
	zw := zip.NewWriter(w)
	for _, f := range zr.File {
		if IsSignatureEntry(f.Name) {
			continue
		}
		if err := zw.Copy(f); err != nil {
			return fmt.Errorf("copy %s: %w", f.Name, err)
		}
	}
	fw, err := zw.Create(DefaultSignatureEntry)
	if err != nil {
		return fmt.Errorf("create signature entry: %w", err)
	}
	if _, err := fw.Write(sig); err != nil {
		return fmt.Errorf("write signature: %w", err)
	}
	return zw.Close()
}

// SignFile signs the package at in and writes the result to out.
func SignFile(in, out string, key *rsa.PrivateKey) error {
	src, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("read package: %w", err)
	}
	var buf bytes.Buffer
	if err := SignPackage(src, key, &buf); err != nil {
		return err
	}
	if !strings.HasSuffix(out, ".zip") {
		return fmt.Errorf("output %q must end in .zip", out)
	}
	return os.WriteFile(out, buf.Bytes(), 0o644)
}
