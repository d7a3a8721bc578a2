package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// Operators supported by leaf conditions
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
	OpIn       = "in"
	OpExists   = "exists"
)

var knownOps = map[string]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true,
	OpLte: true, OpContains: true, OpIn: true, OpExists: true,
}

// Condition is a boolean tree over facts. Exactly one of AllOf, AnyOf, Not
// or a leaf (Fact + Op) is set. The comparison operand is either a literal
// Value or a named Param resolved from the rule's params.
type Condition struct {
	AllOf []Condition `yaml:"all_of" json:"all_of,omitempty"`
	AnyOf []Condition `yaml:"any_of" json:"any_of,omitempty"`
	Not   *Condition  `yaml:"not" json:"not,omitempty"`

	Fact  string      `yaml:"fact" json:"fact,omitempty"`
	Op    string      `yaml:"op" json:"op,omitempty"`
	Value interface{} `yaml:"value" json:"value,omitempty"`
	Param string      `yaml:"param" json:"param,omitempty"`
}

// IsZero reports whether nothing is set
func (c *Condition) IsZero() bool {
	return len(c.AllOf) == 0 && len(c.AnyOf) == 0 && c.Not == nil && c.Fact == "" && c.Op == ""
}

func (c *Condition) isLeaf() bool {
	return c.Fact != "" || c.Op != ""
}

func (c *Condition) validate(field string, params map[string]interface{}) error {
	set := 0
	if len(c.AllOf) > 0 {
		set++
	}
	if len(c.AnyOf) > 0 {
		set++
	}
	if c.Not != nil {
		set++
	}
	if c.isLeaf() {
		set++
	}
	if set != 1 {
		return &ValidationError{Field: field, Message: "exactly one of all_of, any_of, not or a fact comparison is required"}
	}

	switch {
	case len(c.AllOf) > 0:
		for i := range c.AllOf {
			if err := c.AllOf[i].validate(fmt.Sprintf("%s.all_of[%d]", field, i), params); err != nil {
				return err
			}
		}
	case len(c.AnyOf) > 0:
		for i := range c.AnyOf {
			if err := c.AnyOf[i].validate(fmt.Sprintf("%s.any_of[%d]", field, i), params); err != nil {
				return err
			}
		}
	case c.Not != nil:
		return c.Not.validate(field+".not", params)
	default:
		if c.Fact == "" {
			return &ValidationError{Field: field + ".fact", Message: "fact is required"}
		}
		if !knownOps[c.Op] {
			return &ValidationError{Field: field + ".op", Message: fmt.Sprintf("unknown operator %q", c.Op)}
		}
		if c.Param != "" && c.Value != nil {
			return &ValidationError{Field: field, Message: "value and param are mutually exclusive"}
		}
		if c.Param != "" {
			if _, ok := params[c.Param]; !ok {
				return &ValidationError{Field: field + ".param", Message: fmt.Sprintf("param %q is not defined in spec.params", c.Param)}
			}
		}
		if c.Op == OpIn {
			operand := c.Value
			if c.Param != "" {
				operand = params[c.Param]
			}
			if _, ok := operand.([]interface{}); !ok {
				return &ValidationError{Field: field, Message: "in requires a list operand"}
			}
		}
		if c.Op != OpExists && c.Param == "" && c.Value == nil {
			return &ValidationError{Field: field + ".value", Message: "value or param is required"}
		}
	}
	return nil
}

// collectFacts adds every fact whose presence the predicate depends on.
// exists leaves test presence themselves and are not required.
func (c *Condition) collectFacts(into map[string]struct{}) {
	for i := range c.AllOf {
		c.AllOf[i].collectFacts(into)
	}
	for i := range c.AnyOf {
		c.AnyOf[i].collectFacts(into)
	}
	if c.Not != nil {
		c.Not.collectFacts(into)
	}
	if c.Fact != "" && c.Op != OpExists {
		into[c.Fact] = struct{}{}
	}
}

// trace records the leaves that evaluated true, used as the finding reason
type trace []string

// eval evaluates the condition. Callers guarantee that all required facts
// are present; an error means an operand had an incompatible type.
func (c *Condition) eval(facts, params map[string]interface{}, tr *trace) (bool, error) {
	switch {
	case len(c.AllOf) > 0:
		for i := range c.AllOf {
			ok, err := c.AllOf[i].eval(facts, params, tr)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(c.AnyOf) > 0:
		for i := range c.AnyOf {
			ok, err := c.AnyOf[i].eval(facts, params, tr)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case c.Not != nil:
		var inner trace
		ok, err := c.Not.eval(facts, params, &inner)
		if err != nil {
			return false, err
		}
		if !ok {
			*tr = append(*tr, "not("+c.Not.String()+")")
		}
		return !ok, nil
	}

	operand := c.Value
	if c.Param != "" {
		operand = params[c.Param]
	}
	actual, present := facts[c.Fact]

	ok, err := compare(c.Op, actual, present, operand)
	if err != nil {
		return false, fmt.Errorf("%s: %w", c.Fact, err)
	}
	if ok {
		*tr = append(*tr, fmt.Sprintf("%s %s %s (actual %s)", c.Fact, c.Op, render(operand), render(actual)))
	}
	return ok, nil
}

// String renders the condition compactly for reasons and logs
func (c *Condition) String() string {
	join := func(op string, cs []Condition) string {
		parts := make([]string, len(cs))
		for i := range cs {
			parts[i] = cs[i].String()
		}
		return op + "(" + strings.Join(parts, ", ") + ")"
	}
	switch {
	case len(c.AllOf) > 0:
		return join("all_of", c.AllOf)
	case len(c.AnyOf) > 0:
		return join("any_of", c.AnyOf)
	case c.Not != nil:
		return "not(" + c.Not.String() + ")"
	case c.Param != "":
		return fmt.Sprintf("%s %s $%s", c.Fact, c.Op, c.Param)
	case c.Op == OpExists && c.Value == nil:
		return c.Fact + " exists"
	}
	return fmt.Sprintf("%s %s %s", c.Fact, c.Op, render(c.Value))
}

func compare(op string, actual interface{}, present bool, operand interface{}) (bool, error) {
	switch op {
	case OpExists:
		want := true
		if b, ok := operand.(bool); ok {
			want = b
		}
		return present == want, nil
	case OpEq:
		return equal(actual, operand), nil
	case OpNe:
		return !equal(actual, operand), nil
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toFloat(actual)
		b, bok := toFloat(operand)
		if !aok || !bok {
			return false, fmt.Errorf("%s needs numeric operands, got %T and %T", op, actual, operand)
		}
		switch op {
		case OpGt:
			return a > b, nil
		case OpGte:
			return a >= b, nil
		case OpLt:
			return a < b, nil
		}
		return a <= b, nil
	case OpContains:
		switch v := actual.(type) {
		case string:
			s, ok := operand.(string)
			if !ok {
				return false, fmt.Errorf("contains on a string needs a string operand, got %T", operand)
			}
			return strings.Contains(v, s), nil
		case []interface{}:
			for _, item := range v {
				if equal(item, operand) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, fmt.Errorf("contains needs a string or list fact, got %T", actual)
	case OpIn:
		list, ok := operand.([]interface{})
		if !ok {
			return false, fmt.Errorf("in needs a list operand, got %T", operand)
		}
		for _, item := range list {
			if equal(actual, item) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

// equal compares numbers by value regardless of their Go type
func equal(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func render(v interface{}) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}
