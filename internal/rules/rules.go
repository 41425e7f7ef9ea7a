// Package rules implements the local rule-engine hook of spec §4.5: a
// sequence of named callbacks invoked after every merge that changes a
// record, each able to read and write back into the Store through a
// bounded Context that suppresses re-evaluation on its own writes.
package rules

import (
	"context"

	"go.uber.org/zap"

	"github.com/pluresdb/pluresdb/internal/types"
)

// Putter is the subset of Store a rule is allowed to write through. It is
// satisfied by *store.Store; kept as an interface here so this package
// never imports store and creates a cycle.
type Putter interface {
	Put(ctx context.Context, id string, data map[string]any) (*types.Record, error)
	Get(ctx context.Context, id string) (*types.Record, error)
}

// Context is passed to every rule evaluation. Writes issued through it
// are tagged so the Store skips rule evaluation for the resulting merge,
// bounding cascades to one hop per original trigger (spec §4.5).
type Context struct {
	putter Putter
}

func newContext(putter Putter) *Context {
	return &Context{putter: putter}
}

// Put writes through to the Store with rule evaluation suppressed for
// the write it produces.
func (c *Context) Put(ctx context.Context, id string, data map[string]any) (*types.Record, error) {
	return c.putter.Put(WithRulesSuppressed(ctx), id, data)
}

// Get reads through to the Store.
func (c *Context) Get(ctx context.Context, id string) (*types.Record, error) {
	return c.putter.Get(ctx, id)
}

type suppressKey struct{}

// WithRulesSuppressed marks ctx so that a Store receiving a write made
// with it skips rule evaluation for the resulting merge.
func WithRulesSuppressed(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressKey{}, true)
}

// Suppressed reports whether ctx was marked by WithRulesSuppressed.
func Suppressed(ctx context.Context) bool {
	v, _ := ctx.Value(suppressKey{}).(bool)
	return v
}

// Rule is a named evaluator invoked after a record-changing merge. A
// returned error is logged but never aborts the merge or later rules.
type Rule struct {
	Name string
	Eval func(ctx context.Context, record *types.Record, rc *Context) error
}

// Engine holds the registered rules in registration order and evaluates
// them sequentially against a merged record.
type Engine struct {
	log   *zap.Logger
	rules []Rule
}

// New returns an empty Engine.
func New(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{log: log}
}

// Add registers a rule. Rules evaluate in the order they were added.
func (e *Engine) Add(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Remove unregisters the rule with the given name, if present.
func (e *Engine) Remove(name string) {
	out := e.rules[:0]
	for _, r := range e.rules {
		if r.Name != name {
			out = append(out, r)
		}
	}
	e.rules = out
}

// Names returns the registered rule names in evaluation order.
func (e *Engine) Names() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name
	}
	return names
}

// Evaluate runs every registered rule against record in order, using
// putter for any writes issued through a rule's Context. A panic or
// logged error from one rule never prevents later rules from running,
// and never aborts the merge that triggered evaluation (spec §4.5).
func (e *Engine) Evaluate(ctx context.Context, record *types.Record, putter Putter) {
	if Suppressed(ctx) {
		return
	}
	rc := newContext(putter)
	for _, r := range e.rules {
		e.runOne(ctx, r, record, rc)
	}
}

func (e *Engine) runOne(ctx context.Context, r Rule, record *types.Record, rc *Context) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("rule panicked", zap.String("rule", r.Name), zap.Any("panic", p))
		}
	}()
	if err := r.Eval(ctx, record, rc); err != nil {
		e.log.Error("rule failed", zap.String("rule", r.Name), zap.Error(err))
	}
}
