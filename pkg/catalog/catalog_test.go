// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/tessera/pkg/capability"
	"github.com/jllopis/tessera/pkg/errors"
)

func agent(id, in, out string, formats ...string) Agent {
	return Agent{
		ID:         id,
		Name:       strings.ToUpper(id),
		Capability: capability.New(in, out, formats...),
		Module:     ModuleRef{Name: id + ".wasm"},
	}
}

func TestNewOrdersByID(t *testing.T) {
	c, err := New(agent("b", "text", "summary"), agent("a", "image", "text"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Len() != 2 || c.At(0).ID != "a" || c.At(1).ID != "b" {
		t.Fatalf("unexpected order: %+v", c.Agents())
	}
	if got, ok := c.Get("b"); !ok || got.Capability.OutputType != "summary" {
		t.Fatalf("Get(b) = %+v, %v", got, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("expected missing agent")
	}
}

func TestNewRejectsInvalidAgents(t *testing.T) {
	cases := map[string][]Agent{
		"duplicate":  {agent("a", "x", "y"), agent("a", "y", "z")},
		"no id":      {agent("", "x", "y")},
		"no module":  {{ID: "a", Capability: capability.New("x", "y")}},
		"bad digest": {{ID: "a", Capability: capability.New("x", "y"), Module: ModuleRef{Name: "a.wasm", Digest: "md5:00"}}},
		"bad cap":    {{ID: "a", Capability: capability.Capability{InputType: "x"}, Module: ModuleRef{Name: "a.wasm"}}},
	}
	for name, agents := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(agents...)
			if errors.CodeOf(err) != errors.CodeInvalidInput {
				t.Fatalf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
}

func TestAgentsReturnsCopy(t *testing.T) {
	c := MustNew(agent("a", "image", "text"))
	agents := c.Agents()
	agents[0].ID = "mutated"
	if c.At(0).ID != "a" {
		t.Fatalf("catalog mutated through Agents()")
	}
}

func TestProducers(t *testing.T) {
	c := MustNew(agent("a", "image", "text"), agent("b", "audio", "text"), agent("c", "text", "summary"))
	if got := c.Producers("text"); len(got) != 2 {
		t.Fatalf("expected 2 text producers, got %d", len(got))
	}
}

const yamlCatalog = `
agents:
  - id: ocr
    name: OCR
    capability:
      input_type: image
      output_type: text
      formats: [JPG]
    module:
      name: ocr.wasm
  - id: summarize
    capability:
      input_type: text
      output_type: summary
      formats: [jpg, txt]
    module:
      name: summarize.wasm
      digest: sha256:00
`

func TestDecodeYAMLNormalizesCapabilities(t *testing.T) {
	c, err := Decode(strings.NewReader(yamlCatalog), FormatYAML)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ocr, _ := c.Get("ocr")
	if len(ocr.Capability.Formats) != 1 || ocr.Capability.Formats[0] != "jpg" {
		t.Fatalf("expected normalized formats, got %v", ocr.Capability.Formats)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	doc := `agents:
  - id: ocr
    capability: {input_type: image, output_type: text, fromats: [jpg]}
    module: {name: ocr.wasm}
`
	if _, err := Decode(strings.NewReader(doc), FormatYAML); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := Decode(strings.NewReader(`{"agents":[],"extra":1}`), FormatJSON); err == nil {
		t.Fatalf("expected unknown field error for json")
	}
}

func TestEncodeDecodeJSON(t *testing.T) {
	c, err := Decode(strings.NewReader(yamlCatalog), FormatYAML)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var buf bytes.Buffer
	if err := Encode(&buf, c, FormatJSON); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := Decode(&buf, FormatJSON)
	if err != nil {
		t.Fatalf("Decode json: %v", err)
	}
	if back.Len() != c.Len() {
		t.Fatalf("expected %d agents, got %d", c.Len(), back.Len())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if errors.CodeOf(err) != errors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestHolderSwap(t *testing.T) {
	h := NewHolder(nil)
	if h.Load().Len() != 0 {
		t.Fatalf("expected empty catalog")
	}
	h.Store(MustNew(agent("a", "x", "y")))
	if h.Load().Len() != 1 {
		t.Fatalf("expected swapped catalog")
	}
	h.Store(nil)
	if h.Load().Len() != 1 {
		t.Fatalf("nil store must be ignored")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(yamlCatalog), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	holder := NewHolder(nil)
	w, err := NewWatcher(path, holder, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if holder.Load().Len() != 2 {
		t.Fatalf("expected initial load, got %d agents", holder.Load().Len())
	}

	changes := make(chan *Catalog, 4)
	w.OnChange(func(c *Catalog) { changes <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	updated := yamlCatalog + `  - id: translate
    capability: {input_type: text, output_type: text}
    module: {name: translate.wasm}
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for reloaded := false; !reloaded; {
		select {
		case c := <-changes:
			reloaded = c.Len() == 3
		case <-deadline:
			t.Fatal("timeout waiting for catalog reload")
		}
	}
	if holder.Load().Len() != 3 {
		t.Fatalf("holder not updated")
	}
}

func TestWatcherKeepsSnapshotOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(yamlCatalog), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	holder := NewHolder(nil)
	w, err := NewWatcher(path, holder)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := os.WriteFile(path, []byte("agents: [ {id: "), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.reload()
	if holder.Load().Len() != 2 {
		t.Fatalf("expected previous snapshot to survive a bad reload")
	}
}
