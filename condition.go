package selfheal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Field names a ServiceHealth value a condition can test.
type Field string

const (
	FieldStatus           Field = "status"
	FieldErrorCount       Field = "errorCount"
	FieldSuccessCount     Field = "successCount"
	FieldResponseTime     Field = "responseTime" // milliseconds
	FieldRecoveryAttempts Field = "recoveryAttempts"
	FieldBreakerOpen      Field = "breakerOpen"
)

// Operator is a comparison operator in a condition clause.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
)

var fieldAliases = map[string]Field{
	"status":            FieldStatus,
	"errorcount":        FieldErrorCount,
	"error_count":       FieldErrorCount,
	"successcount":      FieldSuccessCount,
	"success_count":     FieldSuccessCount,
	"responsetime":      FieldResponseTime,
	"response_time":     FieldResponseTime,
	"recoveryattempts":  FieldRecoveryAttempts,
	"recovery_attempts": FieldRecoveryAttempts,
	"breakeropen":       FieldBreakerOpen,
	"breaker_open":      FieldBreakerOpen,
}

var operatorAliases = map[string]Operator{
	">":   OpGreater,
	"<":   OpLess,
	"==":  OpEqual,
	"===": OpEqual,
	"!=":  OpNotEqual,
	"!==": OpNotEqual,
	">=":  OpGreaterEqual,
	"<=":  OpLessEqual,
}

var clausePattern = regexp.MustCompile(`^([A-Za-z_]+)\s*(===|!==|==|!=|>=|<=|>|<)\s*(.+)$`)

// Clause is a single "field operator value" comparison.
type Clause struct {
	Field  Field
	Op     Operator
	Number float64
	Status Status
	Bool   bool
}

// Predicate is a parsed rule condition: a disjunction of conjunctions of
// clauses. It is evaluated by a pure switch over fields and operators.
type Predicate struct {
	source string
	anyOf  [][]Clause
}

// ParseCondition parses a condition such as
//
//	errorCount > 3 && status == FAILED || responseTime >= 2s
//
// "&&" binds tighter than "||"; parentheses are not supported. Status values
// may be quoted. responseTime accepts milliseconds or a Go duration.
func ParseCondition(condition string) (*Predicate, error) {
	src := strings.TrimSpace(condition)
	if src == "" {
		return nil, fmt.Errorf("%w: empty condition", ErrInvalidCondition)
	}

	p := &Predicate{source: src}
	for _, alt := range strings.Split(src, "||") {
		var group []Clause
		for _, part := range strings.Split(alt, "&&") {
			clause, err := parseClause(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCondition, src, err)
			}
			group = append(group, clause)
		}
		p.anyOf = append(p.anyOf, group)
	}

	return p, nil
}

// MustParseCondition is like ParseCondition but panics on error.
// Use it for conditions known at compile time.
func MustParseCondition(condition string) *Predicate {
	p, err := ParseCondition(condition)
	if err != nil {
		panic(err)
	}
	return p
}

func parseClause(s string) (Clause, error) {
	m := clausePattern.FindStringSubmatch(s)
	if m == nil {
		return Clause{}, fmt.Errorf("malformed clause %q", s)
	}

	field, ok := fieldAliases[strings.ToLower(m[1])]
	if !ok {
		return Clause{}, fmt.Errorf("unknown field %q", m[1])
	}
	op := operatorAliases[m[2]]
	raw := strings.Trim(strings.TrimSpace(m[3]), `"'`)

	c := Clause{Field: field, Op: op}

	switch field {
	case FieldStatus:
		if op != OpEqual && op != OpNotEqual {
			return Clause{}, fmt.Errorf("status only supports == and !=, got %s", op)
		}
		status, ok := ParseStatus(raw)
		if !ok {
			return Clause{}, fmt.Errorf("unknown status %q", raw)
		}
		c.Status = status
	case FieldBreakerOpen:
		if op != OpEqual && op != OpNotEqual {
			return Clause{}, fmt.Errorf("breakerOpen only supports == and !=, got %s", op)
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Clause{}, fmt.Errorf("breakerOpen value %q is not a boolean", raw)
		}
		c.Bool = b
	case FieldResponseTime:
		if d, err := time.ParseDuration(raw); err == nil {
			c.Number = float64(d) / float64(time.Millisecond)
			break
		}
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Clause{}, fmt.Errorf("responseTime value %q is not a number or duration", raw)
		}
		c.Number = n
	default:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Clause{}, fmt.Errorf("%s value %q is not a number", field, raw)
		}
		c.Number = n
	}

	return c, nil
}

// String returns the condition source text.
func (p *Predicate) String() string {
	if p == nil {
		return ""
	}
	return p.source
}

// Evaluate reports whether the snapshot satisfies the predicate.
func (p *Predicate) Evaluate(h ServiceHealth) (bool, error) {
	if p == nil || len(p.anyOf) == 0 {
		return false, fmt.Errorf("%w: predicate not parsed", ErrInvalidCondition)
	}

	for _, group := range p.anyOf {
		matched := true
		for _, c := range group {
			ok, err := c.evaluate(h)
			if err != nil {
				return false, err
			}
			if !ok {
				matched = false
				break
			}
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

func (c Clause) evaluate(h ServiceHealth) (bool, error) {
	switch c.Field {
	case FieldStatus:
		return (h.Status == c.Status) == (c.Op == OpEqual), nil
	case FieldBreakerOpen:
		return (h.BreakerOpen == c.Bool) == (c.Op == OpEqual), nil
	case FieldErrorCount:
		return compare(float64(h.ErrorCount), c.Op, c.Number)
	case FieldSuccessCount:
		return compare(float64(h.SuccessCount), c.Op, c.Number)
	case FieldRecoveryAttempts:
		return compare(float64(h.RecoveryAttempts), c.Op, c.Number)
	case FieldResponseTime:
		return compare(float64(h.ResponseTime)/float64(time.Millisecond), c.Op, c.Number)
	default:
		return false, fmt.Errorf("%w: unknown field %q", ErrInvalidCondition, c.Field)
	}
}

func compare(value float64, op Operator, threshold float64) (bool, error) {
	switch op {
	case OpGreater:
		return value > threshold, nil
	case OpLess:
		return value < threshold, nil
	case OpEqual:
		return value == threshold, nil
	case OpNotEqual:
		return value != threshold, nil
	case OpGreaterEqual:
		return value >= threshold, nil
	case OpLessEqual:
		return value <= threshold, nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, op)
	}
}
