// Package definition reads and writes process definition documents (JSON or
// YAML) and converts them to and from model builders.
package definition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/procgraph/pkg/schema"
)

// Format is a document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatOf picks the format from a file extension; anything that is not
// .yaml or .yml is JSON.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Decode parses a definition document. Unknown fields are rejected.
func Decode(data []byte, format Format) (*schema.ProcessDefinition, error) {
	var def schema.ProcessDefinition
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid YAML definition").WithCause(err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid JSON definition").WithCause(err)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown definition format %q", format)
	}
	return &def, nil
}

// Encode renders a definition document.
func Encode(w io.Writer, def *schema.ProcessDefinition, format Format) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(def); err != nil {
			return fmt.Errorf("encode YAML definition: %w", err)
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(def); err != nil {
			return fmt.Errorf("encode JSON definition: %w", err)
		}
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown definition format %q", format)
	}
}

// ReadFile decodes the definition stored at path.
func ReadFile(path string) (*schema.ProcessDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition file %s not found", path)
		}
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	return Decode(data, FormatOf(path))
}

// WriteFile encodes def to path in the format its extension names.
func WriteFile(path string, def *schema.ProcessDefinition) error {
	var buf bytes.Buffer
	if err := Encode(&buf, def, FormatOf(path)); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write definition %s: %w", path, err)
	}
	return nil
}
