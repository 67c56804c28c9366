package catalog

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/nexus/internal/agent"
)

// Registry holds the live set of pipeline tools built from `*.tool.json`
// definitions, swapped atomically whenever Watcher reloads the directory
// (§4.7 "pipeline tools hot-reload without a restart").
type Registry struct {
	agents AgentRunner
	tools  map[string]agent.Tool

	current atomic.Pointer[[]agent.Tool]
	watcher *Watcher
	mu      sync.Mutex
}

// NewRegistry creates a pipeline tool registry. agents resolves `agent`
// steps; tools is the base tool set available to `tool` steps.
func NewRegistry(agents AgentRunner, tools map[string]agent.Tool) *Registry {
	r := &Registry{agents: agents, tools: tools}
	empty := []agent.Tool{}
	r.current.Store(&empty)
	return r
}

// Tools returns the current snapshot of pipeline tools. Safe for
// concurrent use with a reload in progress.
func (r *Registry) Tools() []agent.Tool {
	return *r.current.Load()
}

// reload replaces the live tool set, invoked by the Watcher on every
// debounced filesystem change.
func (r *Registry) reload(defs []PipelineDefinition) {
	built := make([]agent.Tool, 0, len(defs))
	for _, def := range defs {
		built = append(built, NewPipelineTool(def, r.agents, r.tools))
	}
	r.current.Store(&built)
}

// Watch starts hot-reloading pipeline tool definitions from dir. Calling
// Watch a second time is a no-op until Close is called.
func (r *Registry) Watch(ctx context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		return nil
	}
	r.watcher = NewWatcher(dir, 0, r.reload)
	return r.watcher.Start(ctx)
}

// Close stops any active watch.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		r.watcher.Stop()
		r.watcher = nil
	}
}
