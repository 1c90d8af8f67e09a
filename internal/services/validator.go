package services

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed operations/*.json
var operationFiles embed.FS

// DefaultWorkDeadline bounds paid work when an operation does not set its own.
const DefaultWorkDeadline = 50 * time.Second

var (
	// ErrUnknownOperation is returned for operations missing from the catalog.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrInvalidInput can be used with errors.Is to detect schema rejections.
	ErrInvalidInput = errors.New("invalid operation input")
)

// Operation is a costed action a caller can pay for.
type Operation struct {
	Name     string
	Cost     int64
	Deadline time.Duration
	schema   *jsonschema.Schema
}

// OperationDef is the on-disk form of an Operation.
type OperationDef struct {
	Name            string          `json:"name"`
	Cost            int64           `json:"cost"`
	DeadlineSeconds int             `json:"deadline_seconds"`
	InputSchema     json.RawMessage `json:"input_schema"`
}

// Catalog holds the operations and their compiled input schemas.
type Catalog struct {
	ops map[string]*Operation
}

// NewCatalog compiles defs. A zero deadline becomes defaultDeadline.
func NewCatalog(defs []OperationDef, defaultDeadline time.Duration) (*Catalog, error) {
	if defaultDeadline <= 0 {
		defaultDeadline = DefaultWorkDeadline
	}
	ops := make(map[string]*Operation, len(defs))
	for _, d := range defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, errors.New("operation name is required")
		}
		if _, dup := ops[name]; dup {
			return nil, fmt.Errorf("duplicate operation %q", name)
		}
		if d.Cost <= 0 {
			return nil, fmt.Errorf("operation %q: cost must be positive", name)
		}
		if len(d.InputSchema) == 0 {
			return nil, fmt.Errorf("operation %q: missing input_schema", name)
		}
		schema, err := jsonschema.CompileString("https://tokengate.dev/schemas/"+name+".input", string(d.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("compile input schema %q: %w", name, err)
		}
		deadline := time.Duration(d.DeadlineSeconds) * time.Second
		if deadline <= 0 {
			deadline = defaultDeadline
		}
		ops[name] = &Operation{Name: name, Cost: d.Cost, Deadline: deadline, schema: schema}
	}
	return &Catalog{ops: ops}, nil
}

// LoadCatalog reads the operation definitions bundled with the binary.
func LoadCatalog(defaultDeadline time.Duration) (*Catalog, error) {
	return loadCatalogFS(operationFiles, "operations", defaultDeadline)
}

func loadCatalogFS(fsys fs.FS, dir string, defaultDeadline time.Duration) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read operations dir %q: %w", dir, err)
	}
	var defs []OperationDef
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		p := path.Join(dir, e.Name())
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", p, err)
		}
		var d OperationDef
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("parse %q: %w", p, err)
		}
		if d.Name == "" {
			d.Name = strings.TrimSuffix(e.Name(), ".json")
		}
		defs = append(defs, d)
	}
	return NewCatalog(defs, defaultDeadline)
}

func (c *Catalog) Lookup(name string) (*Operation, error) {
	op, ok := c.ops[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownOperation, name)
	}
	return op, nil
}

// Names returns the operation names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.ops))
	for n := range c.ops {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MaxDeadline is the longest work deadline of any operation.
func (c *Catalog) MaxDeadline() time.Duration {
	var max time.Duration
	for _, op := range c.ops {
		if op.Deadline > max {
			max = op.Deadline
		}
	}
	return max
}

// CheckReconcileWindow fails if the reconciler could refund a charge whose
// work is still within its deadline.
func (c *Catalog) CheckReconcileWindow(after time.Duration) error {
	for _, name := range c.Names() {
		if op := c.ops[name]; after <= op.Deadline {
			return fmt.Errorf("reconcile window %s must exceed the %s deadline of operation %q", after, op.Deadline, name)
		}
	}
	return nil
}

// Validate rejects input that is not JSON or does not match the schema.
func (op *Operation) Validate(input json.RawMessage) error {
	var doc interface{}
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("%w: not valid JSON", ErrInvalidInput)
	}
	if err := op.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
