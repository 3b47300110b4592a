package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"github.com/enterprise/fraud-engine/internal/features"
)

// Condition node types
const (
	CondThreshold  = "threshold"
	CondAll        = "all"
	CondAny        = "any"
	CondNot        = "not"
	CondIn         = "in"
	CondHourRange  = "hour_range"
	CondExpression = "expression"

	// accepted for rules written against the older schema
	condCompound  = "compound"
	condTimeRange = "time_range"
)

// Comparator is a validated comparison operator
type Comparator string

const (
	OpGT  Comparator = ">"
	OpGTE Comparator = ">="
	OpLT  Comparator = "<"
	OpLTE Comparator = "<="
	OpEQ  Comparator = "=="
	OpNEQ Comparator = "!="
)

// ParseComparator normalizes op, accepting "=" and textual aliases.
func ParseComparator(op string) (Comparator, error) {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case ">", "gt":
		return OpGT, nil
	case ">=", "gte":
		return OpGTE, nil
	case "<", "lt":
		return OpLT, nil
	case "<=", "lte":
		return OpLTE, nil
	case "==", "=", "eq":
		return OpEQ, nil
	case "!=", "neq":
		return OpNEQ, nil
	default:
		return "", fmt.Errorf("unknown comparator %q", op)
	}
}

func (c Comparator) ordered() bool {
	return c == OpGT || c == OpGTE || c == OpLT || c == OpLTE
}

func (c Comparator) compare(cmp int) bool {
	switch c {
	case OpGT:
		return cmp > 0
	case OpGTE:
		return cmp >= 0
	case OpLT:
		return cmp < 0
	case OpLTE:
		return cmp <= 0
	case OpEQ:
		return cmp == 0
	case OpNEQ:
		return cmp != 0
	}
	return false
}

// node is a compiled condition
type node interface {
	Eval(ec *evalContext) (bool, error)
}

// evalContext carries one transaction through condition evaluation. The CEL
// activation is built lazily since most rules never need it.
type evalContext struct {
	fv         *features.Vector
	activation map[string]any
}

func (ec *evalContext) vars() map[string]any {
	if ec.activation == nil {
		ec.activation = ec.fv.Activation()
	}
	return ec.activation
}

// rawCondition is the stored JSON shape of a condition
type rawCondition struct {
	Type       string         `json:"type"`
	Field      string         `json:"field,omitempty"`
	Op         string         `json:"op,omitempty"`
	Operator   string         `json:"operator,omitempty"`
	Value      interface{}    `json:"value,omitempty"`
	Values     []string       `json:"values,omitempty"`
	Conditions []rawCondition `json:"conditions,omitempty"`
	Condition  *rawCondition  `json:"condition,omitempty"`
	Start      *int           `json:"start,omitempty"`
	End        *int           `json:"end,omitempty"`
	Expr       string         `json:"expr,omitempty"`
}

func (r rawCondition) op() string {
	if r.Op != "" {
		return r.Op
	}
	return r.Operator
}

const maxDepth = 16

// compiler turns raw conditions into nodes against the feature registry
type compiler struct {
	env *cel.Env
}

func (c *compiler) parse(data json.RawMessage) (node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var raw rawCondition
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid condition json: %w", err)
	}
	return c.compile(raw, 0)
}

func (c *compiler) compile(raw rawCondition, depth int) (node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("condition nested deeper than %d", maxDepth)
	}

	switch strings.ToLower(raw.Type) {
	case CondThreshold:
		return c.compileThreshold(raw)

	case CondAll, CondAny:
		return c.compileGroup(strings.ToLower(raw.Type) == CondAll, raw.Conditions, depth)

	case condCompound:
		switch strings.ToUpper(raw.op()) {
		case "AND":
			return c.compileGroup(true, raw.Conditions, depth)
		case "OR":
			return c.compileGroup(false, raw.Conditions, depth)
		default:
			return nil, fmt.Errorf("compound condition needs AND or OR, got %q", raw.op())
		}

	case CondNot:
		if raw.Condition == nil {
			return nil, fmt.Errorf("not condition requires a nested condition")
		}
		inner, err := c.compile(*raw.Condition, depth+1)
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil

	case CondIn:
		kind, ok := features.LookupKind(raw.Field)
		if !ok {
			return nil, fmt.Errorf("unknown field %q", raw.Field)
		}
		if kind != features.KindString {
			return nil, fmt.Errorf("in condition requires a string field, %q is %s", raw.Field, kind)
		}
		if len(raw.Values) == 0 {
			return nil, fmt.Errorf("in condition on %q has no values", raw.Field)
		}
		set := make(map[string]struct{}, len(raw.Values))
		for _, v := range raw.Values {
			set[strings.ToUpper(v)] = struct{}{}
		}
		return inNode{field: raw.Field, set: set}, nil

	case CondHourRange, condTimeRange:
		if raw.Start == nil || raw.End == nil {
			return nil, fmt.Errorf("hour range requires start and end")
		}
		start, end := *raw.Start, *raw.End
		if start < 0 || start > 23 || end < 0 || end > 24 || start == end {
			return nil, fmt.Errorf("invalid hour range %d-%d", start, end)
		}
		return hourRangeNode{start: start, end: end}, nil

	case CondExpression:
		return c.compileExpression(raw.Expr)

	default:
		return nil, fmt.Errorf("unknown condition type %q", raw.Type)
	}
}

func (c *compiler) compileGroup(all bool, raws []rawCondition, depth int) (node, error) {
	if len(raws) == 0 {
		return nil, fmt.Errorf("group condition has no children")
	}
	children := make([]node, 0, len(raws))
	for i, r := range raws {
		n, err := c.compile(r, depth+1)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		children = append(children, n)
	}
	if all {
		return allNode{children: children}, nil
	}
	return anyNode{children: children}, nil
}

func (c *compiler) compileThreshold(raw rawCondition) (node, error) {
	kind, ok := features.LookupKind(raw.Field)
	if !ok {
		return nil, fmt.Errorf("unknown field %q", raw.Field)
	}
	op, err := ParseComparator(raw.op())
	if err != nil {
		return nil, err
	}

	n := thresholdNode{field: raw.Field, op: op, kind: kind}
	switch kind {
	case features.KindNumber:
		d, err := toDecimal(raw.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", raw.Field, err)
		}
		n.num = d
	case features.KindBool:
		if op.ordered() {
			return nil, fmt.Errorf("comparator %s not valid for bool field %q", op, raw.Field)
		}
		b, ok := raw.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("field %q expects a bool value, got %T", raw.Field, raw.Value)
		}
		n.b = b
	case features.KindString:
		if op.ordered() {
			return nil, fmt.Errorf("comparator %s not valid for string field %q", op, raw.Field)
		}
		s, ok := raw.Value.(string)
		if !ok {
			return nil, fmt.Errorf("field %q expects a string value, got %T", raw.Field, raw.Value)
		}
		n.s = s
	}
	return n, nil
}

func (c *compiler) compileExpression(expr string) (node, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("expression condition is empty")
	}
	if c.env == nil {
		return nil, fmt.Errorf("expressions are not enabled")
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return exprNode{program: program, src: expr}, nil
}

// newCELEnv declares one variable per registered feature field.
func newCELEnv() (*cel.Env, error) {
	var opts []cel.EnvOption
	for _, name := range features.FieldNames() {
		kind, _ := features.LookupKind(name)
		switch kind {
		case features.KindNumber:
			opts = append(opts, cel.Variable(name, cel.DoubleType))
		case features.KindBool:
			opts = append(opts, cel.Variable(name, cel.BoolType))
		case features.KindString:
			opts = append(opts, cel.Variable(name, cel.StringType))
		}
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch val := v.(type) {
	case json.Number:
		return decimal.NewFromString(val.String())
	case float64:
		return decimal.NewFromFloat(val), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	case string:
		return decimal.NewFromString(val)
	case decimal.Decimal:
		return val, nil
	default:
		return decimal.Zero, fmt.Errorf("expected a number, got %T", v)
	}
}

type thresholdNode struct {
	field string
	op    Comparator
	kind  features.Kind
	num   decimal.Decimal
	b     bool
	s     string
}

func (n thresholdNode) Eval(ec *evalContext) (bool, error) {
	v, ok := ec.fv.Get(n.field)
	if !ok {
		return false, fmt.Errorf("field %q not available", n.field)
	}
	switch n.kind {
	case features.KindNumber:
		return n.op.compare(v.Num.Cmp(n.num)), nil
	case features.KindBool:
		return (v.Bool == n.b) == (n.op == OpEQ), nil
	default:
		return (strings.EqualFold(v.Str, n.s)) == (n.op == OpEQ), nil
	}
}

type allNode struct{ children []node }

func (n allNode) Eval(ec *evalContext) (bool, error) {
	for _, c := range n.children {
		ok, err := c.Eval(ec)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

type anyNode struct{ children []node }

func (n anyNode) Eval(ec *evalContext) (bool, error) {
	for _, c := range n.children {
		ok, err := c.Eval(ec)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

type notNode struct{ inner node }

func (n notNode) Eval(ec *evalContext) (bool, error) {
	ok, err := n.inner.Eval(ec)
	return !ok && err == nil, err
}

type inNode struct {
	field string
	set   map[string]struct{}
}

func (n inNode) Eval(ec *evalContext) (bool, error) {
	v, ok := ec.fv.Get(n.field)
	if !ok {
		return false, fmt.Errorf("field %q not available", n.field)
	}
	_, hit := n.set[strings.ToUpper(v.Str)]
	return hit, nil
}

// hourRangeNode matches [start, end) in UTC hours; start > end wraps midnight.
type hourRangeNode struct{ start, end int }

func (n hourRangeNode) Eval(ec *evalContext) (bool, error) {
	h := ec.fv.Hour
	if n.start < n.end {
		return h >= n.start && h < n.end, nil
	}
	return h >= n.start || h < n.end, nil
}

type exprNode struct {
	program cel.Program
	src     string
}

func (n exprNode) Eval(ec *evalContext) (bool, error) {
	out, _, err := n.program.Eval(ec.vars())
	if err != nil {
		return false, fmt.Errorf("expression %q: %w", n.src, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T", n.src, out.Value())
	}
	return b, nil
}
