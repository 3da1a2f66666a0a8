package registry

import (
	"github.com/aiori-io/aiori/internal/agent/heartbeat"
	"github.com/aiori-io/aiori/internal/agent/modules/echo"
	"github.com/aiori-io/aiori/internal/agent/modules/faulty"
	"github.com/aiori-io/aiori/internal/agent/modules/ping"
)

// Default returns a registry with the built-in module types registered.
func Default() *Registry {
	r := New()
	// Registration on a fresh registry cannot collide.
	_ = r.Register("echo", echo.New)
	_ = r.Register("ping", ping.New)
	_ = r.Register("faulty", faulty.New)
	_ = r.Register("heartbeat", heartbeat.New)
	return r
}
