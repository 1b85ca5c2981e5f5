package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Each schema source
// defines one definition, #<Name>, that data is unified with.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	// Built-in schemas are constants; a failure here is a programming error.
	if err := sr.RegisterSchema("Settings", builtinSettingsSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles schema and registers its #name definition.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath("#" + name))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define #%s", name, name)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
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

// builtinSettingsSchema describes a froyoctl config file. Definitions are
// closed, so unknown keys are rejected.
const builtinSettingsSchema = `
#PathList: string | [...string]

#Settings: {
	inventory?:           #PathList
	merge_mode?:          "replace" | "merge"
	connection_plugins?:  string
	shell_plugins?:       string
	callback_plugins?:    string
	local_tmp?:           string
	remote_tmp?:          string
	forks?:               int & >=1 & <=1000
	timeout?:             int & >=0
	task_timeout?:        int & >=0
	remote_user?:         string
	private_key_file?:    string
	host_key_checking?:   bool
	known_hosts?:         string
	strict_vault?:        bool
	vault_identity_list?: #PathList
	vault_password_file?: string
	history_db?:          string
	policy_paths?:        #PathList
	stdout_callback?:     string
	callbacks_enabled?:   #PathList
	log_level?:           "trace" | "debug" | "info" | "warn" | "error"
	log_format?:          "console" | "json"
	metrics_listen?:      string
	tracing_exporter?:    "none" | "stdout" | "otlp"
	otlp_endpoint?:       string
}
`
