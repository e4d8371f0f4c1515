package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/fleetdiag/internal/core"
)

// ReadDiagnosers reads a YAML array of diagnosers from path.
func ReadDiagnosers(path string) ([]core.Diagnoser, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading diagnoser catalog: %w", err)
	}
	return ParseDiagnosers(data)
}

// ParseDiagnosers decodes a YAML array of diagnosers. Unknown fields are
// rejected so typos in the catalog surface at startup.
func ParseDiagnosers(data []byte) ([]core.Diagnoser, error) {
	var out []core.Diagnoser
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parsing diagnoser catalog: %w", err)
	}
	return out, nil
}

// Catalog is the immutable, name-indexed set of configured diagnosers.
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]core.Diagnoser
	order  []string
}

// NewCatalog validates and indexes diagnosers. Names must be non-empty and
// unique ignoring case.
func NewCatalog(diagnosers []core.Diagnoser) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]core.Diagnoser, len(diagnosers))}
	if err := c.load(diagnosers); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload replaces the catalog contents after validating the new set. On
// error the previous contents are kept.
func (c *Catalog) Reload(diagnosers []core.Diagnoser) error {
	next := &Catalog{byName: make(map[string]core.Diagnoser, len(diagnosers))}
	if err := next.load(diagnosers); err != nil {
		return err
	}
	c.mu.Lock()
	c.byName, c.order = next.byName, next.order
	c.mu.Unlock()
	return nil
}

func (c *Catalog) load(diagnosers []core.Diagnoser) error {
	var errs ValidationErrors
	for i, d := range diagnosers {
		field := fmt.Sprintf("diagnosers[%d]", i)
		name := strings.TrimSpace(d.Name)
		if name == "" {
			errs = append(errs, ValidationError{Field: field + ".name", Value: d.Name, Message: "name required"})
			continue
		}
		key := strings.ToLower(name)
		if _, dup := c.byName[key]; dup {
			errs = append(errs, ValidationError{Field: field + ".name", Value: d.Name, Message: "duplicate diagnoser name"})
			continue
		}
		if strings.TrimSpace(d.Collector.Command) == "" {
			errs = append(errs, ValidationError{Field: field + ".collector.command", Value: "", Message: "command required"})
		}
		switch d.Collector.Kind {
		case "":
			d.Collector.Kind = core.CollectorKindProcess
		case core.CollectorKindProcess, core.CollectorKindRange:
		default:
			errs = append(errs, ValidationError{Field: field + ".collector.kind", Value: d.Collector.Kind, Message: "must be one of: process, range"})
		}
		if d.Collector.PreValidator != "" && d.Collector.PreValidationCommand != "" {
			errs = append(errs, ValidationError{Field: field + ".collector", Value: d.Collector.PreValidator, Message: "pre_validator and pre_validation_command are exclusive"})
		}
		d.Name = name
		c.byName[key] = d
		c.order = append(c.order, key)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Lookup resolves a diagnoser by name, ignoring case. The returned value is
// a copy.
func (c *Catalog) Lookup(name string) (*core.Diagnoser, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	return &d, true
}

// List returns every diagnoser sorted by name.
func (c *Catalog) List() []core.Diagnoser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.Diagnoser, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.byName[key])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var _ core.DiagnoserCatalog = (*Catalog)(nil)
