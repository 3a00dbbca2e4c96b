// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/tessera/pkg/errors"
)

// Format selects the catalog file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// File is the on-disk catalog document.
type File struct {
	Agents []Agent `json:"agents" yaml:"agents"`
}

// Load reads a catalog from a YAML or JSON file. The format is chosen by
// extension, falling back to content sniffing.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "catalog path is required", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CodeNotFound, "catalog file not found", err).
				WithContext("path", path)
		}
		return nil, errors.New(errors.CodeInternal, "read catalog", err).WithContext("path", path)
	}
	var format Format
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = FormatJSON
	case ".yaml", ".yml":
		format = FormatYAML
	default:
		format = sniff(data)
	}
	c, err := Decode(bytes.NewReader(data), format)
	if err != nil {
		if te, ok := errors.As(err); ok {
			te.WithContext("path", path)
		}
		return nil, err
	}
	return c, nil
}

// Decode parses a catalog document. Unknown fields are rejected so a typo
// in a capability never silently turns into a wildcard.
func Decode(r io.Reader, format Format) (*Catalog, error) {
	var doc File
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "parse json catalog", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && err != io.EOF {
			return nil, errors.New(errors.CodeInvalidInput, "parse yaml catalog", err)
		}
	default:
		return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("unsupported catalog format %q", format), nil)
	}
	return New(doc.Agents...)
}

// Encode writes the catalog in the given format.
func Encode(w io.Writer, c *Catalog, format Format) error {
	doc := File{Agents: c.Agents()}
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unsupported catalog format %q", format)
	}
}

func sniff(data []byte) Format {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}
