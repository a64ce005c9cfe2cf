package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nanobot-ai/nanobot/internal/nberr"
)

// Call is one LLM-requested tool invocation.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

type cacheEntry struct {
	value     string
	expiresAt time.Time // zero means no TTL
}

type inflight struct {
	done   chan struct{}
	result string
}

// RegistryConfig tunes registry-wide execution behavior.
type RegistryConfig struct {
	CacheSize       int
	CacheTTLSeconds int
	TimeoutSeconds  int
	Parallelism     int
}

// Registry holds the agent's tools and runs their calls: validation,
// result caching, identical-call deduplication, timeouts, and retries.
type Registry struct {
	cfg RegistryConfig
	log *zap.Logger

	mu       sync.Mutex
	tools    map[string]Tool
	order    []string
	allowed  map[string]bool // nil means unrestricted
	cache    *lru.Cache[string, cacheEntry]
	inFlight map[string]*inflight
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, log *zap.Logger) *Registry {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 60
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	cache, _ := lru.New[string, cacheEntry](cfg.CacheSize)
	return &Registry{
		cfg:      cfg,
		log:      log,
		tools:    make(map[string]Tool),
		cache:    cache,
		inFlight: make(map[string]*inflight),
	}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return nberr.Newf(nberr.Validation, "tool %q already registered", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tools[name]
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool { return r.Get(name) != nil }

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// SetAllowed restricts callable tools to an allowlist. Nil lifts the
// restriction.
func (r *Registry) SetAllowed(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if names == nil {
		r.allowed = nil
		return
	}
	r.allowed = make(map[string]bool, len(names))
	for _, n := range names {
		r.allowed[n] = true
	}
}

func (r *Registry) isAllowed(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allowed == nil || r.allowed[name]
}

// Describe returns OpenAI function-call schemas for the callable tools, in
// registration order.
func (r *Registry) Describe() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, name := range r.order {
		if r.allowed != nil && !r.allowed[name] {
			continue
		}
		out = append(out, ToSchema(r.tools[name]))
	}
	return out
}

// Fingerprint identifies a call by tool name plus canonical JSON arguments.
func Fingerprint(name string, args map[string]any) string {
	canon, err := json.Marshal(args) // map keys marshal sorted
	if err != nil {
		canon = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(append([]byte(name+"\x00"), canon...))
	return hex.EncodeToString(sum[:])
}

// Execute runs one tool call and returns its result as a string. Failures
// the LLM should see (unknown tool, bad params, tool errors) come back as
// "Error: ..." strings, never as Go errors.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) string {
	if !r.isAllowed(name) {
		return fmt.Sprintf("Error: Tool '%s' is not permitted", name)
	}
	tool := r.Get(name)
	if tool == nil {
		return fmt.Sprintf("Error: Tool '%s' not found", name)
	}
	if errs := ValidateParams(tool.Parameters(), args); len(errs) > 0 {
		return fmt.Sprintf("Error: Invalid parameters for tool '%s': %s", name, strings.Join(errs, "; "))
	}

	meta := tool.Meta()
	if !meta.Cacheable {
		return r.runWithRetry(ctx, tool, args)
	}

	key := Fingerprint(name, args)

	r.mu.Lock()
	if entry, ok := r.cache.Get(key); ok {
		if entry.expiresAt.IsZero() || time.Now().Before(entry.expiresAt) {
			r.mu.Unlock()
			return entry.value
		}
		r.cache.Remove(key)
	}
	if fl, ok := r.inFlight[key]; ok {
		r.mu.Unlock()
		select {
		case <-fl.done:
			return fl.result
		case <-ctx.Done():
			return fmt.Sprintf("Error executing %s: %v", name, ctx.Err())
		}
	}
	fl := &inflight{done: make(chan struct{})}
	r.inFlight[key] = fl
	r.mu.Unlock()

	// Waiters must always be released, whatever path exits the call.
	result := ""
	defer func() {
		fl.result = result
		close(fl.done)
		r.mu.Lock()
		delete(r.inFlight, key)
		r.mu.Unlock()
	}()

	result = r.runWithRetry(ctx, tool, args)
	if shouldCache(result) {
		ttl := meta.CacheTTLSeconds
		if ttl == 0 {
			ttl = r.cfg.CacheTTLSeconds
		}
		entry := cacheEntry{value: result}
		if ttl > 0 {
			entry.expiresAt = time.Now().Add(time.Duration(ttl) * time.Second)
		}
		r.mu.Lock()
		r.cache.Add(key, entry)
		r.mu.Unlock()
	}
	return result
}

func (r *Registry) runWithRetry(ctx context.Context, tool Tool, args map[string]any) string {
	meta := tool.Meta()
	timeout := time.Duration(meta.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(r.cfg.TimeoutSeconds) * time.Second
	}

	result := r.runOnce(ctx, tool, args, timeout)
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < meta.MaxRetries && isRetryableResult(result); attempt++ {
		r.log.Debug("retrying tool",
			zap.String("tool", tool.Name()), zap.Int("attempt", attempt+1))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return result
		}
		backoff *= 2
		result = r.runOnce(ctx, tool, args, timeout)
	}
	return result
}

func (r *Registry) runOnce(ctx context.Context, tool Tool, args map[string]any, timeout time.Duration) (result string) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tool panicked", zap.String("tool", tool.Name()), zap.Any("panic", rec))
			result = fmt.Sprintf("Error executing %s: internal tool failure", tool.Name())
		}
	}()

	out, err := tool.Execute(ctx, args)
	if err != nil {
		return fmt.Sprintf("Error executing %s: %v", tool.Name(), err)
	}
	return out
}

func shouldCache(result string) bool {
	return !strings.HasPrefix(strings.ToLower(strings.TrimSpace(result)), "error:")
}

// isRetryableResult reports whether an error result is worth retrying.
// Validation and policy failures never are.
func isRetryableResult(result string) bool {
	s := strings.ToLower(strings.TrimSpace(result))
	if !strings.HasPrefix(s, "error:") && !strings.HasPrefix(s, "warning:") {
		return false
	}
	for _, marker := range []string{
		"invalid parameters",
		"not permitted",
		"not found",
		"blocked by safety guard",
		"missing required",
		"should be",
		"url validation failed",
	} {
		if strings.Contains(s, marker) {
			return false
		}
	}
	return true
}

// ExecuteBatch runs a sequence of calls, returning results in call order.
// Consecutive parallel-safe calls run concurrently (bounded by the
// configured parallelism); everything else runs serially.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []Call) []string {
	results := make([]string, len(calls))

	parallelSafe := func(name string) bool {
		t := r.Get(name)
		return t != nil && t.Meta().ParallelSafe
	}

	i := 0
	for i < len(calls) {
		if !parallelSafe(calls[i].Name) {
			results[i] = r.Execute(ctx, calls[i].Name, calls[i].Args)
			i++
			continue
		}
		j := i + 1
		for j < len(calls) && parallelSafe(calls[j].Name) {
			j++
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Parallelism)
		for k := i; k < j; k++ {
			k := k
			g.Go(func() error {
				results[k] = r.Execute(gctx, calls[k].Name, calls[k].Args)
				return nil
			})
		}
		g.Wait()
		i = j
	}
	return results
}
