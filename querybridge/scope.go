package querybridge

/***** Scope *****/

// ScopeTiming says whether a global scope's operations are injected before
// or after the caller's own operations.
type ScopeTiming uint8

const (
	ScopeBefore ScopeTiming = iota + 1
	ScopeAfter
)

// ScopeFunc mutates a builder when a scope is applied. Applied scopes are
// indistinguishable from caller-written operations.
type ScopeFunc func(*Builder)

// Scope is a named, reusable set of builder mutations. Global scopes are
// auto-applied by the resolver; local scopes run only when invoked by name.
type Scope struct {
	name   string
	timing ScopeTiming
	apply  ScopeFunc
}

// NewScope creates a global scope with the given injection timing.
func NewScope(name string, timing ScopeTiming, apply ScopeFunc) Scope {
	return Scope{name: name, timing: timing, apply: apply}
}

// Name returns the scope name, used for per-query opt-out.
func (s Scope) Name() string {
	return s.name
}

// Timing returns the scope's injection timing.
func (s Scope) Timing() ScopeTiming {
	return s.timing
}

/***** ScopeRegistry *****/

// ScopeRegistry holds the global and local scopes available to builders. It
// is owned by the composition root, populated at construction, and only read
// at query time; lookups return an explicit not-found result.
type ScopeRegistry struct {
	global []Scope
	local  map[string]ScopeFunc
}

// NewScopeRegistry creates an empty registry.
func NewScopeRegistry() *ScopeRegistry {
	return &ScopeRegistry{local: make(map[string]ScopeFunc)}
}

// RegisterGlobal adds a global scope. Registration order is preserved within
// each timing class.
func (r *ScopeRegistry) RegisterGlobal(scope Scope) *ScopeRegistry {
	r.global = append(r.global, scope)
	return r
}

// RegisterLocal adds a named local scope.
func (r *ScopeRegistry) RegisterLocal(name string, fn ScopeFunc) *ScopeRegistry {
	r.local[name] = fn
	return r
}

// GlobalScopes returns the registered global scopes in registration order.
func (r *ScopeRegistry) GlobalScopes() []Scope {
	out := make([]Scope, len(r.global))
	copy(out, r.global)
	return out
}

// LocalScope looks up a local scope by name.
func (r *ScopeRegistry) LocalScope(name string) (ScopeFunc, bool) {
	fn, found := r.local[name]
	return fn, found
}

// HasLocalScopes reports whether any local scopes were registered.
func (r *ScopeRegistry) HasLocalScopes() bool {
	return len(r.local) > 0
}

/***** Resolver *****/

// ApplyScopes resolves global scopes into a new builder before compilation:
// before-scopes ahead of the caller's operations, after-scopes behind them,
// skipping any scope disabled for this query. The input builder is never
// mutated; callers without an attached registry get an isolated clone back.
func ApplyScopes(b *Builder) (*Builder, error) {
	if b.err != nil {
		return nil, b.err
	}

	if b.scopes == nil || len(b.scopes.global) == 0 {
		return b.Clone(), nil
	}

	resolved := New(b.source, WithScopes(b.scopes))
	for name := range b.disabledScopes {
		resolved.disabledScopes[name] = struct{}{}
	}
	resolved.allGlobalDisabled = b.allGlobalDisabled

	for _, scope := range b.scopes.global {
		if scope.Timing() == ScopeBefore && !b.scopeDisabled(scope.Name()) {
			scope.apply(resolved)
		}
	}

	for _, op := range b.seq.Operations() {
		resolved.seq.append(op.clone())
	}

	for _, scope := range b.scopes.global {
		if scope.Timing() == ScopeAfter && !b.scopeDisabled(scope.Name()) {
			scope.apply(resolved)
		}
	}

	if resolved.err != nil {
		return nil, resolved.err
	}

	return resolved, nil
}

func (b *Builder) scopeDisabled(name string) bool {
	if b.allGlobalDisabled {
		return true
	}

	_, disabled := b.disabledScopes[name]

	return disabled
}
