package sandbox

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"trustgate/internal/domain"
)

var markupReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
)

// traversalRewrites are applied in order; each sees the output of the last.
var traversalRewrites = [][2]string{
	{"..", "__"},
	{"./", "_/"},
	{`.\`, `_\`},
	{`C:\`, "C_"},
	{`c:\`, "c_"},
}

// sqlMarkers only trigger a warning in Sanitize.
var sqlMarkers = []string{"--", "/*", "*/", "XP_", "SP_", "UNION", "SELECT", "INSERT", "UPDATE", "DELETE", "DROP"}

// strictPatterns make Strict reject the input outright.
var strictPatterns = []string{"'", `"`, ";", "--", "/*", "*/", "xp_", "sp_"}

// Sanitizer neutralizes plugin-supplied strings before they reach host output.
type Sanitizer struct {
	logger *slog.Logger
}

// NewSanitizer creates a sanitizer that logs suspicious input to logger.
func NewSanitizer(logger *slog.Logger) *Sanitizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sanitizer{logger: logger}
}

// EscapeMarkup escapes the five HTML-significant characters.
func EscapeMarkup(s string) string {
	return markupReplacer.Replace(s)
}

// Sanitize escapes markup and rewrites path traversal sequences. SQL-looking
// input is logged but left alone.
func (s *Sanitizer) Sanitize(input string) string {
	out := EscapeMarkup(input)
	for _, rw := range traversalRewrites {
		out = strings.ReplaceAll(out, rw[0], rw[1])
	}
	if containsSQL(out) {
		s.logger.Warn("suspicious sql pattern in plugin input", "input", truncate(input, 128))
	}
	return out
}

// SanitizeMap applies Sanitize to every key and value.
func (s *Sanitizer) SanitizeMap(args map[string]string) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[s.Sanitize(k)] = s.Sanitize(v)
	}
	return out
}

// Strict returns input unchanged, or ErrSecurityViolation if it contains a
// quote, statement separator, comment marker, extended procedure prefix or
// path traversal sequence.
func Strict(input string) (string, error) {
	for _, p := range strictPatterns {
		if strings.Contains(input, p) {
			return "", domain.NewSubSystemError("sandbox", "Sanitizer.Strict", domain.ErrSecurityViolation,
				fmt.Sprintf("dangerous pattern detected: %s", p))
		}
	}
	if strings.Contains(input, "..") || strings.Contains(input, "./") || strings.Contains(input, `\`) {
		return "", domain.NewSubSystemError("sandbox", "Sanitizer.Strict", domain.ErrSecurityViolation,
			"path traversal detected")
	}
	return input, nil
}

// SanitizeArgs runs Strict over every key and value.
func SanitizeArgs(args map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for k, v := range args {
		ck, err := Strict(k)
		if err != nil {
			return nil, err
		}
		cv, err := Strict(v)
		if err != nil {
			return nil, err
		}
		out[ck] = cv
	}
	return out, nil
}

func containsSQL(s string) bool {
	upper := strings.ToUpper(s)
	for _, p := range sqlMarkers {
		if strings.Contains(upper, p) {
			return true
		}
	}
	return false
}

// formatArgs renders args as sorted k=v pairs.
func formatArgs(args map[string]string) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + args[k]
	}
	return "{" + strings.Join(pairs, ", ") + "}"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
