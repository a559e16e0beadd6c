package pattern

// Op is a supported comparison operator (spec §4.4's table, case-sensitive).
type Op string

const (
	OpEq         Op = "="
	OpNe         Op = "!="
	OpLt         Op = "<"
	OpLe         Op = "<="
	OpGt         Op = ">"
	OpGe         Op = ">="
	OpLike       Op = "LIKE"
	OpMatches    Op = "MATCHES"
	OpIn         Op = "IN"
	OpIsSubset   Op = "ISSUBSET"
	OpIsSuperset Op = "ISSUPERSET"
)

// Value is a parsed literal: a string, a number, or a parenthesized tuple
// (used only by IN).
type Value struct {
	Str   *string
	Num   *float64
	Tuple []Value
}

// Comparison is one leaf predicate: "<objType>:<path> [NOT] <op> <value>".
// Path may be dotted (e.g. "src_ref.value"); ObjType is the SCO type named
// before the colon.
type Comparison struct {
	ObjType string
	Path    string
	Op      Op
	Negate  bool
	Val     Value
}

// Expr is a boolean combination of comparisons.
type Expr interface{ exprNode() }

type Leaf struct{ Cmp Comparison }
type And struct{ Left, Right Expr }
type Or struct{ Left, Right Expr }

func (Leaf) exprNode() {}
func (And) exprNode()  {}
func (Or) exprNode()   {}

// Pattern is the full parsed expression: one or more bracketed groups
// joined by FOLLOWEDBY. The engine does not implement STIX's
// observed-data sequencing semantics for FOLLOWEDBY (spec names no test
// exercising it); Compile instead conjoins the groups with AND.
type Pattern struct {
	Groups []Expr
}

// RootType is the leftmost SCO type referenced anywhere in the pattern
// (spec §4.4: "the root SCO type of the pattern").
func (p Pattern) RootType() string {
	var walk func(e Expr) string
	walk = func(e Expr) string {
		switch n := e.(type) {
		case Leaf:
			return n.Cmp.ObjType
		case And:
			if t := walk(n.Left); t != "" {
				return t
			}
			return walk(n.Right)
		case Or:
			if t := walk(n.Left); t != "" {
				return t
			}
			return walk(n.Right)
		}
		return ""
	}
	for _, g := range p.Groups {
		if t := walk(g); t != "" {
			return t
		}
	}
	return ""
}
