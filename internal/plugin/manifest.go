package plugin

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"trustgate/internal/domain"
	"trustgate/internal/security"
)

//go:embed schema/manifest.json
var manifestSchema []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.NewCompiler().Compile(manifestSchema)
	})
	return compiledSchema, schemaErr
}

// ParseArchive reads plugin.json from the package at path and validates it.
// The package is not signature checked here.
func ParseArchive(path string) (*domain.PluginInfo, error) {
	a, err := security.OpenArchive(path, security.ArchiveLimits{})
	if err != nil {
		return nil, structureError("ParseArchive", err.Error())
	}
	return FromArchive(a)
}

// FromArchive parses the manifest of an already read package.
func FromArchive(a *security.Archive) (*domain.PluginInfo, error) {
	data, ok := a.File(security.ManifestName)
	if !ok {
		return nil, structureError("FromArchive", "plugin.json not found")
	}
	return Parse(data)
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*domain.PluginInfo, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, structureError("Parse", fmt.Sprintf("malformed JSON: %v", err))
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	if result := schema.Validate(raw); !result.IsValid() {
		return nil, structureError("Parse", "schema: "+schemaDetail(result))
	}

	var info domain.PluginInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, structureError("Parse", fmt.Sprintf("decode: %v", err))
	}
	if err := Validate(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// schemaDetail lists every failed field as "location: message", sorted.
func schemaDetail(result *jsonschema.EvaluationResult) string {
	detailed := result.DetailedErrors()
	if len(detailed) == 0 {
		return result.Error()
	}
	lines := make([]string, 0, len(detailed))
	for loc, msg := range detailed {
		lines = append(lines, loc+": "+msg)
	}
	sort.Strings(lines)
	return strings.Join(lines, "; ")
}

// Validate applies the structural rules every manifest must satisfy.
func Validate(info *domain.PluginInfo) error {
	if info == nil {
		return structureError("Validate", "nil manifest")
	}
	if strings.TrimSpace(info.ID) == "" {
		return structureError("Validate", "plugin ID is empty")
	}
	if strings.TrimSpace(info.EntryPoint) == "" {
		return structureError("Validate", "entry point is empty")
	}
	return nil
}

func structureError(op, detail string) error {
	return domain.NewSubSystemError("manifest", op, domain.ErrInvalidPluginStructure, detail)
}
