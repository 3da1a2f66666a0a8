// Package worker defines the contract between the module host and the
// modules it runs, plus the supervisor that executes them.
package worker

import (
	"context"
	"encoding/json"

	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/events/bus"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

// Worker is a hosted module. Setup runs once before the run loop; a
// false return declines the start without error. Run blocks until the
// context is cancelled or the module is done.
type Worker interface {
	Name() string
	Setup(ctx context.Context) (bool, error)
	Run(ctx context.Context) error
}

// SchemaProvider is implemented by workers that advertise a JSON schema
// for their input subject. The schema ends up in the capability doc and
// the coordinator validates requests against it.
type SchemaProvider interface {
	InputSchema() json.RawMessage
}

// ModuleLister reports the currently running modules of a host.
type ModuleLister interface {
	Running() map[string]v1.ModuleDescriptor
}

// Subjects carries the resolved bus subjects of one module.
type Subjects struct {
	Input  string
	Output string
	Error  string
}

// Context is handed to every worker at construction. It carries
// everything a module needs; workers must not reach for globals.
type Context struct {
	AgentID    string
	AgentName  string
	ModuleName string
	Tags       map[string]string
	Bus        bus.Bus
	Logger     *logger.Logger
	Config     map[string]interface{}
	Subjects   Subjects
	Modules    ModuleLister
}

// ConfigString reads a string value from the module config.
func (c *Context) ConfigString(key, fallback string) string {
	if v, ok := c.Config[key].(string); ok {
		return v
	}
	return fallback
}

// ConfigInt reads an integer value from the module config. JSON numbers
// decode as float64.
func (c *Context) ConfigInt(key string, fallback int) int {
	switch v := c.Config[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

// ConfigBool reads a boolean value from the module config.
func (c *Context) ConfigBool(key string, fallback bool) bool {
	if v, ok := c.Config[key].(bool); ok {
		return v
	}
	return fallback
}
