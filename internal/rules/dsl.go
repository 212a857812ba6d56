package rules

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

type operator int

const (
	opLT operator = iota
	opLE
	opGT
	opGE
	opEQ
	opNE
	opIn
	opNotIn
	opStartsWith
	opEndsWith
	opRegex
)

var operators = map[string]operator{
	"<":          opLT,
	"<=":         opLE,
	">":          opGT,
	">=":         opGE,
	"==":         opEQ,
	"!=":         opNE,
	"in":         opIn,
	"not_in":     opNotIn,
	"startswith": opStartsWith,
	"endswith":   opEndsWith,
	"regex":      opRegex,
}

// predicate is a Predicate whose operator has been resolved and whose
// pattern, for regex, has been compiled.
type predicate struct {
	field string
	op    operator
	value any
	re    *regexp.Regexp
}

func compilePredicate(p domain.Predicate) (predicate, error) {
	if p.Field == "" {
		return predicate{}, fmt.Errorf("%w: predicate field", domain.ErrMissingField)
	}
	op, ok := operators[p.Op]
	if !ok {
		return predicate{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedOperator, p.Op)
	}

	cp := predicate{field: p.Field, op: op, value: p.Value}
	switch op {
	case opRegex:
		pattern, ok := p.Value.(string)
		if !ok {
			return predicate{}, fmt.Errorf("%w: regex on %q needs a string pattern", domain.ErrInvalidInput, p.Field)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return predicate{}, fmt.Errorf("%w: regex on %q: %v", domain.ErrInvalidInput, p.Field, err)
		}
		cp.re = re
	case opIn, opNotIn:
		if _, isStr := p.Value.(string); !isStr && !isList(p.Value) {
			return predicate{}, fmt.Errorf("%w: %s on %q needs a list or string value", domain.ErrInvalidInput, p.Op, p.Field)
		}
	}
	return cp, nil
}

// holds reports whether the predicate is satisfied by payload. An absent
// field or incomparable types never match.
func (p predicate) holds(payload map[string]any) bool {
	v, ok := Resolve(payload, p.field)
	if !ok {
		return false
	}

	switch p.op {
	case opLT, opLE, opGT, opGE:
		c, ok := compare(v, p.value)
		if !ok {
			return false
		}
		switch p.op {
		case opLT:
			return c < 0
		case opLE:
			return c <= 0
		case opGT:
			return c > 0
		default:
			return c >= 0
		}
	case opEQ:
		return equal(v, p.value)
	case opNE:
		return !equal(v, p.value)
	case opIn:
		return contains(p.value, v)
	case opNotIn:
		return !contains(p.value, v)
	case opStartsWith:
		return strings.HasPrefix(toString(v), toString(p.value))
	case opEndsWith:
		return strings.HasSuffix(toString(v), toString(p.value))
	case opRegex:
		return p.re.MatchString(toString(v))
	}
	return false
}

// Resolve walks a dotted path through nested maps. The second result is
// false when any segment is missing or the value is nil.
func Resolve(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, token := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			cur = m[token]
		case map[string]string:
			s, ok := m[token]
			if !ok {
				return nil, false
			}
			cur = s
		default:
			return nil, false
		}
		if cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func compare(a, b any) (int, bool) {
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func equal(a, b any) bool {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func contains(container, v any) bool {
	if s, ok := container.(string); ok {
		return strings.Contains(s, toString(v))
	}
	rv := reflect.ValueOf(container)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(v, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

// toFloat coerces numeric payload values. Strings are not numbers here;
// amount-style rules parse them explicitly.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case decimal.Decimal:
		return n.InexactFloat64(), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toDecimal is toFloat plus numeric strings, used for money fields.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	}
	f, ok := toFloat(v)
	if !ok || !finite(f) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(f), true
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case fmt.Stringer:
		return s.String()
	}
	return fmt.Sprint(v)
}
