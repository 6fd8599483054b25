package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// schemaFile labels positions inside the built-in schema.
const schemaFile = "schema.cue"

// Source formats.
const (
	FormatYAML = "yaml"
	FormatCUE  = "cue"
)

// LoadFile reads a policy document, choosing the format by extension.
func LoadFile(path string) (*Document, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read policy: %w", err)
	}
	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		format = FormatCUE
	}
	doc, err := Load(data, format, filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	return doc, format, nil
}

// Load parses and validates a policy document. filename only labels
// error positions.
func Load(data []byte, format, filename string) (*Document, error) {
	ctx := cuecontext.New()

	var value cue.Value
	switch format {
	case FormatYAML:
		// yaml.v3 decodes string-keyed mappings as map[string]any, which
		// re-encodes as JSON for CUE.
		var raw map[string]any
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil {
			return nil, &ValidationError{Field: "yaml", Message: err.Error()}
		}
		js, err := json.Marshal(raw)
		if err != nil {
			return nil, &ValidationError{Field: "yaml", Message: err.Error()}
		}
		value = ctx.CompileBytes(js, cue.Filename(filename))
	case FormatCUE:
		value = ctx.CompileBytes(data, cue.Filename(filename))
	default:
		return nil, fmt.Errorf("unknown policy format %q", format)
	}
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	return decode(ctx, value)
}

// decode unifies value with #Policy, which closes the document and fills
// in defaults, and converts the result.
func decode(ctx *cue.Context, value cue.Value) (*Document, error) {
	schema := ctx.CompileString(schemaCUE, cue.Filename(schemaFile))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile policy schema: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Policy")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	js, err := unified.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var doc Document
	if err := json.Unmarshal(js, &doc); err != nil {
		return nil, &ValidationError{Field: "policy", Message: err.Error()}
	}
	if err := doc.check(); err != nil {
		return nil, err
	}
	return &doc, nil
}
