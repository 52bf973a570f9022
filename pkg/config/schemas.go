package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// SchemaTokenDeployment is the name of the built-in token deployment schema.
const SchemaTokenDeployment = "token_deployment"

// SchemaRegistry validates request documents against CUE definitions.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// FieldError is one schema violation.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// SchemaError lists every violation found for a document.
type SchemaError struct {
	Schema string       `json:"schema"`
	Fields []FieldError `json:"fields"`
}

func (e *SchemaError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		if f.Path == "" {
			parts[i] = f.Message
			continue
		}
		parts[i] = f.Path + ": " + f.Message
	}
	return fmt.Sprintf("schema %s: %s", e.Schema, strings.Join(parts, "; "))
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema(SchemaTokenDeployment, builtinTokenDeploymentSchema, "#TokenDeployment"); err != nil {
		panic(fmt.Sprintf("built-in schema: %v", err))
	}

	return sr
}

// RegisterSchema compiles source and registers the named definition in it
// under name, replacing any schema with the same name.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s: definition %s not found", name, definition)
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}

	sr.schemas[name] = def
	return nil
}

// LoadSchemaFile registers a schema read from a .cue file.
func (sr *SchemaRegistry) LoadSchemaFile(name, path, definition string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	return sr.RegisterSchema(name, string(data), definition)
}

// Validate checks data against a named schema. Violations are returned as a
// *SchemaError.
func (sr *SchemaRegistry) Validate(schemaName string, data interface{}) error {
	// cue values share one context; evaluation is serialized.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Schema: schemaName, Fields: convertCUEErrors(err)}
	}

	return nil
}

// convertCUEErrors converts CUE errors to field errors, sorted by path.
func convertCUEErrors(err error) []FieldError {
	var fields []FieldError
	seen := make(map[string]bool)

	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		fe := FieldError{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		}
		key := fe.Path + "\x00" + fe.Message
		if seen[key] {
			continue
		}
		seen[key] = true
		fields = append(fields, fe)
	}

	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Path < fields[j].Path })
	return fields
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinTokenDeploymentSchema = `
// Token deployment request
#TokenDeployment: {
	token_name: string & =~"^[A-Za-z0-9][A-Za-z0-9 ]{0,63}$"

	// Ticker symbol, upper case
	symbol: string & =~"^[A-Z0-9]{2,11}$"

	network: "ethereum" | "sepolia" | "polygon" | "amoy" | "base" | "base-sepolia" | "arbitrum"

	// Whole-token supply as a decimal string
	initial_supply: string & =~"^[1-9][0-9]{0,29}$"

	decimals: int & >=0 & <=18

	owner_address: string & =~"^0x[0-9a-fA-F]{40}$"

	metadata?: {[string]: string}
}
`
