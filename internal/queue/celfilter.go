package queue

import (
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/herald/internal/message"
)

// celFilter wraps a compiled CEL program used as a subscription claim
// predicate. When the expression is empty the filter is disabled and matches
// everything.
type celFilter struct {
	prog    cel.Program
	enabled bool
}

func newCELFilter(expr string) (celFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return celFilter{enabled: false}, nil
	}
	// "kind" rather than "type": type is a reserved identifier in CEL's
	// standard environment.
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("priority", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("tags", cel.ListType(cel.StringType)),
		cel.Variable("retry_count", cel.IntType),
		// Parsed payload for field filtering
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return celFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return celFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return celFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return celFilter{}, err
	}
	return celFilter{prog: prog, enabled: true}, nil
}

// Eval evaluates the expression against a message. Disabled filters match
// everything; evaluation errors count as non-matches.
func (f celFilter) Eval(m *message.Message) bool {
	if !f.enabled {
		return true
	}
	tags := m.Metadata.Tags
	if tags == nil {
		tags = []string{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"kind":        string(m.Type),
		"priority":    string(m.Priority),
		"source":      m.Metadata.Source,
		"tags":        tags,
		"retry_count": int64(m.RetryCount),
		"payload":     m.Payload,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// NewFilteredHandler builds a handler whose claim predicate is a CEL
// expression over the message (kind, priority, source, tags, retry_count,
// payload). Example: `kind == "event" && payload.event == "article.updated"`.
func NewFilteredHandler(name, expr string, fn HandlerFunc) (Handler, error) {
	filter, err := newCELFilter(expr)
	if err != nil {
		return nil, err
	}
	return NewPredicateHandler(name, filter.Eval, fn), nil
}
