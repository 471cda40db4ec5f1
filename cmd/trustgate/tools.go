package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"trustgate/internal/infra/config"
	"trustgate/internal/plugin"
	"trustgate/internal/security"
)

func runKeygen(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlags("keygen")
	bits := fs.Int("bits", 4096, "RSA key size (2048 or 4096)")
	out := fs.String("out", "trustgate", "output prefix; writes <prefix>.key and <prefix>.pub")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := security.GenerateKey(*bits)
	if err != nil {
		return err
	}
	priv, err := security.EncodePrivateKeyPEM(key)
	if err != nil {
		return err
	}
	pub, err := security.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return err
	}
	if err := writeNew(*out+".key", priv, 0o600); err != nil {
		return err
	}
	if err := writeNew(*out+".pub", pub, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s.key and %s.pub\nfingerprint %s\n", *out, *out, security.Fingerprint(&key.PublicKey))
	return nil
}

// writeNew refuses to overwrite an existing file.
func writeNew(path string, data []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runExtractKey(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlags("extract-key")
	out := fs.String("out", "", "write the public key here instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireArgs(fs, 1, "extract-key [-out file] <private-key>"); err != nil {
		return err
	}
	key, err := security.LoadPrivateKeyFile(fs.Arg(0))
	if err != nil {
		return err
	}
	pub, err := security.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return err
	}
	if *out == "" {
		_, err = stdout.Write(pub)
		return err
	}
	return os.WriteFile(*out, pub, 0o644)
}

func runPack(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlags("pack")
	keyPath := fs.String("key", "", "sign with this private key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireArgs(fs, 2, "pack [-key private.pem] <dir> <out.zip>"); err != nil {
		return err
	}
	dir, out := fs.Arg(0), fs.Arg(1)
	if !strings.HasSuffix(out, plugin.PackageExt) {
		return fmt.Errorf("output %q must end in %s", out, plugin.PackageExt)
	}

	var raw bytes.Buffer
	if err := security.PackDir(dir, &raw); err != nil {
		return err
	}
	// Reject directories that would not be admitted before shipping them.
	a, err := security.ReadArchive(bytes.NewReader(raw.Bytes()), int64(raw.Len()), security.ArchiveLimits{})
	if err != nil {
		return err
	}
	info, err := plugin.FromArchive(a)
	if err != nil {
		return err
	}

	data := raw.Bytes()
	if *keyPath != "" {
		key, err := security.LoadPrivateKeyFile(*keyPath)
		if err != nil {
			return err
		}
		var signed bytes.Buffer
		if err := security.SignPackage(data, key, &signed); err != nil {
			return err
		}
		data = signed.Bytes()
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "packed %s %s into %s (%d files, signed=%t)\n",
		info.ID, info.Version, out, len(a.Entries()), *keyPath != "")
	return nil
}

func runSign(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlags("sign")
	keyPath := fs.String("key", "", "private key (required)")
	out := fs.String("out", "", "signed package path (default: overwrite input)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireArgs(fs, 1, "sign -key private.pem [-out signed.zip] <package.zip>"); err != nil {
		return err
	}
	if *keyPath == "" {
		return fmt.Errorf("-key is required")
	}
	key, err := security.LoadPrivateKeyFile(*keyPath)
	if err != nil {
		return err
	}
	in := fs.Arg(0)
	dst := *out
	if dst == "" {
		dst = in
	}
	if err := security.SignFile(in, dst, key); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "signed %s with %s\n", dst, security.Fingerprint(&key.PublicKey))
	return nil
}

// trustedKeys loads every -key flag value, falling back to the config's
// gateway.trusted_keys.
func trustedKeys(paths []string, cfgPath string) (*security.TrustedKeySet, error) {
	if len(paths) == 0 {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		paths = cfg.Gateway.TrustedKeys
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no trusted keys: pass -key or set gateway.trusted_keys")
	}
	keys := security.NewTrustedKeySet()
	for _, p := range paths {
		pub, err := security.LoadPublicKeyFile(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if _, _, err := keys.Add(pub); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return keys, nil
}

type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func runVerify(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlags("verify")
	var keyPaths stringList
	fs.Var(&keyPaths, "key", "trusted public key (repeatable)")
	cfgPath := fs.String("config", defaultConfigPath(), "config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireArgs(fs, 1, "verify [-key public.pem]... <package.zip>..."); err != nil {
		return err
	}
	keys, err := trustedKeys(keyPaths, *cfgPath)
	if err != nil {
		return err
	}
	v := security.NewVerifier(keys, security.WithLogger(slog.New(slog.DiscardHandler)))

	failed := 0
	for _, path := range fs.Args() {
		if ok, err := v.Verify(ctx, path); !ok {
			failed++
			fmt.Fprintf(stdout, "FAIL  %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(stdout, "OK    %s\n", path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d packages failed verification", failed, fs.NArg())
	}
	return nil
}

func runInspect(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlags("inspect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireArgs(fs, 1, "inspect <package.zip>"); err != nil {
		return err
	}
	a, err := security.OpenArchive(fs.Arg(0), security.ArchiveLimits{})
	if err != nil {
		return err
	}
	info, err := plugin.FromArchive(a)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "id\t%s\n", info.ID)
	fmt.Fprintf(w, "name\t%s\n", info.Name)
	fmt.Fprintf(w, "version\t%s\n", info.Version)
	fmt.Fprintf(w, "author\t%s\n", info.Author)
	core := ">= " + info.MinCoreVersion
	if info.MaxCoreVersion != nil {
		core += ", <= " + *info.MaxCoreVersion
	}
	fmt.Fprintf(w, "core\t%s\n", core)
	fmt.Fprintf(w, "entry point\t%s\n", info.EntryPoint)
	fmt.Fprintf(w, "permissions\t%s\n", orDash(info.Permissions))
	fmt.Fprintf(w, "dependencies\t%s\n", orDash(info.Dependencies))
	if _, entry := a.Signature(); entry != "" {
		fmt.Fprintf(w, "signature\t%s\n", entry)
	} else {
		fmt.Fprintf(w, "signature\tnone\n")
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(stdout, "\nfiles:")
	for _, e := range a.Entries() {
		fmt.Fprintf(stdout, "  %8d  %s\n", e.Size, e.Path)
	}
	return nil
}

func orDash(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ", ")
}
