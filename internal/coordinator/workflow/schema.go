package workflow

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCacheLimit bounds the compiled-schema cache. Stale entries
// accumulate as capability docs change; hitting the cap flushes.
const schemaCacheLimit = 256

// schemaCache holds compiled input schemas keyed by agent, module, and
// doc hash, so a changed capability doc misses naturally.
type schemaCache struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{cache: make(map[string]*jsonschema.Schema)}
}

func (c *schemaCache) compile(agentID, module string, doc json.RawMessage) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(doc)
	key := fmt.Sprintf("%s/%s/%x", agentID, module, sum[:8])

	c.mu.Lock()
	if schema, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return schema, nil
	}
	c.mu.Unlock()

	var schemaDoc any
	if err := json.Unmarshal(doc, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal input schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}

	c.mu.Lock()
	if len(c.cache) >= schemaCacheLimit {
		c.cache = make(map[string]*jsonschema.Schema)
	}
	c.cache[key] = schema
	c.mu.Unlock()
	return schema, nil
}
