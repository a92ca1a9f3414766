package cloud

import (
	"fmt"
	"strings"
	"time"
)

// Expression is a filter understood by the /ws "condition" parameter.
type Expression interface {
	Compile() string
}

// Attribute names a resource field that comparisons are made against.
type Attribute string

// Attr returns the attribute with the given field name.
func Attr(name string) Attribute {
	return Attribute(name)
}

// Eq builds attr='value'.
func (a Attribute) Eq(value any) Comparison {
	return Comparison{Attribute: a, Op: "=", Value: value}
}

// Gt builds attr>'value'.
func (a Attribute) Gt(value any) Comparison {
	return Comparison{Attribute: a, Op: ">", Value: value}
}

// Lt builds attr<'value'.
func (a Attribute) Lt(value any) Comparison {
	return Comparison{Attribute: a, Op: "<", Value: value}
}

// Like builds attr like 'pattern'.
func (a Attribute) Like(pattern string) Comparison {
	return Comparison{Attribute: a, Op: " like ", Value: pattern}
}

// Comparison compares an attribute with a single quoted value.
type Comparison struct {
	Attribute Attribute
	Op        string
	Value     any
}

// Compile renders the comparison.
func (c Comparison) Compile() string {
	return string(c.Attribute) + c.Op + quoted(c.Value)
}

func (c Comparison) String() string {
	return c.Compile()
}

// Combination joins expressions with "and" or "or".
type Combination struct {
	Sep   string
	Terms []Expression
}

// And joins the terms with " and ".
func And(terms ...Expression) Combination {
	return Combination{Sep: " and ", Terms: terms}
}

// Or joins the terms with " or ".
func Or(terms ...Expression) Combination {
	return Combination{Sep: " or ", Terms: terms}
}

// Compile renders the combination left to right without parentheses.
func (c Combination) Compile() string {
	parts := make([]string, 0, len(c.Terms))
	for _, t := range c.Terms {
		if t == nil {
			continue
		}
		parts = append(parts, t.Compile())
	}
	return strings.Join(parts, c.Sep)
}

func (c Combination) String() string {
	return c.Compile()
}

// quoted renders a value in single quotes. Times are sent as ISO-8601 UTC.
func quoted(v any) string {
	var s string
	switch x := v.(type) {
	case time.Time:
		s = x.UTC().Format("2006-01-02T15:04:05Z")
	case string:
		s = x
	case fmt.Stringer:
		s = x.String()
	default:
		s = fmt.Sprint(x)
	}
	return "'" + s + "'"
}
