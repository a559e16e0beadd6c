package pattern

import (
	"context"
	"fmt"
	"strings"

	"github.com/raymundl/firepit/internal/fperrors"
	"github.com/raymundl/firepit/internal/registry"
	"github.com/raymundl/firepit/internal/sqladapter"
)

// Resolver gives the compiler just enough schema access to lower a
// pattern: the physical table for an SCO type, and (for dotted reference
// paths) a sampled target type inferred from one non-null ref-column
// value, since no ref-target metadata table is kept.
type Resolver interface {
	TypeTable(scoType string) string
	Columns(ctx context.Context, scoType string) ([]string, error)
	SampleRefTarget(ctx context.Context, scoType, column string) (targetType string, ok bool, err error)
}

// Join describes one LEFT JOIN the compiled predicate requires, to resolve
// a dotted reference path like "src_ref.value" against another type table.
type Join struct {
	Alias      string
	Table      string
	OnColumn   string // column on the root table holding the *_ref id
	TargetType string
}

// Compiled is a dialect-bound SQL WHERE fragment, its bound arguments, and
// the joins required to evaluate dotted reference paths.
type Compiled struct {
	Where string
	Args  []any
	Joins []Join

	// PostFilter holds predicates the SQL fragment cannot express and that
	// must be applied in Go after fetching rows: MATCHES and
	// ISSUBSET/ISSUPERSET against the sqlite dialect, which has neither a
	// registered regex operator nor a native inet type.
	PostFilter []PostPredicate
}

// PostPredicate is evaluated in Go against a fetched row's named column
// value, since the sqlite dialect cannot express it in SQL.
type PostPredicate struct {
	Column string // aliased column reference, e.g. "root.value" or "j1.value"
	Kind   PostKind
	Regex  string // Kind == PostRegex
	CIDR   string // Kind == PostCIDRSubset / PostCIDRSuperset
	Negate bool
}

type PostKind int

const (
	PostRegex PostKind = iota
	PostCIDRSubset
	PostCIDRSuperset
)

type joinAllocator struct {
	joins []Join
	byKey map[string]string // "column" -> alias, dedupes repeated path prefixes
}

func (a *joinAllocator) alloc(column, table, targetType string) string {
	if a.byKey == nil {
		a.byKey = make(map[string]string)
	}
	if alias, ok := a.byKey[column]; ok {
		return alias
	}
	alias := fmt.Sprintf("j%d", len(a.joins)+1)
	a.joins = append(a.joins, Join{Alias: alias, Table: table, OnColumn: column, TargetType: targetType})
	a.byKey[column] = alias
	return alias
}

// Compile lowers pat into a WHERE fragment bound against rootAlias (the
// table alias holding pat.RootType()'s rows), using res to resolve dotted
// reference paths and flags to pick dialect-specific operator forms.
func Compile(ctx context.Context, pat Pattern, rootAlias string, res Resolver, flags sqladapter.Flags) (*Compiled, error) {
	c := &Compiled{}
	alloc := &joinAllocator{}

	var parts []string
	for _, g := range pat.Groups {
		frag, err := compileExpr(ctx, g, rootAlias, res, flags, c, alloc)
		if err != nil {
			return nil, err
		}
		parts = append(parts, "("+frag+")")
	}
	c.Where = strings.Join(parts, " AND ")
	c.Joins = alloc.joins
	return c, nil
}

func compileExpr(ctx context.Context, e Expr, rootAlias string, res Resolver, flags sqladapter.Flags, c *Compiled, alloc *joinAllocator) (string, error) {
	switch n := e.(type) {
	case Leaf:
		return compileComparison(ctx, n.Cmp, rootAlias, res, flags, c, alloc)
	case And:
		l, err := compileExpr(ctx, n.Left, rootAlias, res, flags, c, alloc)
		if err != nil {
			return "", err
		}
		r, err := compileExpr(ctx, n.Right, rootAlias, res, flags, c, alloc)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s AND %s)", l, r), nil
	case Or:
		l, err := compileExpr(ctx, n.Left, rootAlias, res, flags, c, alloc)
		if err != nil {
			return "", err
		}
		r, err := compileExpr(ctx, n.Right, rootAlias, res, flags, c, alloc)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s OR %s)", l, r), nil
	default:
		return "", fmt.Errorf("pattern: unknown expr node %T", e)
	}
}

// resolveColumnRef resolves a (possibly dotted) path to the SQL-qualified
// column reference that should appear on the left of the comparison,
// allocating a join when the path crosses a reference.
func resolveColumnRef(ctx context.Context, objType, path, rootAlias string, res Resolver, c *Compiled, alloc *joinAllocator) (string, error) {
	segs := strings.SplitN(path, ".", 2)
	if len(segs) == 1 {
		return fmt.Sprintf("%s.%s", rootAlias, segs[0]), nil
	}

	refCol, rest := segs[0], segs[1]
	targetType, ok, err := res.SampleRefTarget(ctx, objType, refCol)
	if err != nil {
		return "", err
	}
	if !ok {
		// No sampled rows to infer the target type from: the column exists
		// but nothing can match it yet, so the join is still safe to build
		// against an empty result — use the ref column's own id convention
		// only for the table guess, which would also produce zero rows.
		targetType = ""
	}
	targetTable := res.TypeTable(targetType)
	alias := alloc.alloc(rootAlias+"."+refCol, targetTable, targetType)
	// rest may itself be dotted for multi-hop refs (e.g. a.b.c); recurse
	// using the joined alias as the new root.
	innerSegs := strings.SplitN(rest, ".", 2)
	if len(innerSegs) == 1 {
		return fmt.Sprintf("%s.%s", alias, innerSegs[0]), nil
	}
	return resolveColumnRef(ctx, targetType, rest, alias, res, c, alloc)
}

func compileComparison(ctx context.Context, cmp Comparison, rootAlias string, res Resolver, flags sqladapter.Flags, c *Compiled, alloc *joinAllocator) (string, error) {
	colRef, err := resolveColumnRef(ctx, cmp.ObjType, cmp.Path, rootAlias, res, c, alloc)
	if err != nil {
		return "", err
	}

	var frag string
	switch cmp.Op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		val, err := scalarArg(cmp.Val)
		if err != nil {
			return "", err
		}
		c.Args = append(c.Args, val)
		frag = fmt.Sprintf("%s %s ?", colRef, string(cmp.Op))

	case OpLike:
		val, err := scalarArg(cmp.Val)
		if err != nil {
			return "", err
		}
		c.Args = append(c.Args, val)
		frag = fmt.Sprintf("%s LIKE ?", colRef)

	case OpMatches:
		val, err := scalarArg(cmp.Val)
		if err != nil {
			return "", err
		}
		pat, ok := val.(string)
		if !ok {
			return "", fmt.Errorf("pattern: MATCHES requires a string literal")
		}
		if flags.RegexOperator != "" {
			c.Args = append(c.Args, pat)
			frag = fmt.Sprintf("%s %s ?", colRef, flags.RegexOperator)
			if cmp.Negate {
				return "NOT (" + frag + ")", nil
			}
			return frag, nil
		}
		// No native regex operator (sqlite): record a post-filter and make
		// the SQL side a no-op TRUE so rows still reach Go for filtering.
		c.PostFilter = append(c.PostFilter, PostPredicate{Column: colRef, Regex: pat, Negate: cmp.Negate})
		return "1=1", nil

	case OpIn:
		if len(cmp.Val.Tuple) == 0 {
			return "", fmt.Errorf("pattern: IN requires a non-empty tuple")
		}
		placeholders := make([]string, len(cmp.Val.Tuple))
		for i, v := range cmp.Val.Tuple {
			val, err := scalarArg(v)
			if err != nil {
				return "", err
			}
			c.Args = append(c.Args, val)
			placeholders[i] = "?"
		}
		frag = fmt.Sprintf("%s IN (%s)", colRef, strings.Join(placeholders, ", "))

	case OpIsSubset, OpIsSuperset:
		val, err := scalarArg(cmp.Val)
		if err != nil {
			return "", err
		}
		cidr, ok := val.(string)
		if !ok {
			return "", fmt.Errorf("pattern: %s requires a CIDR string literal", cmp.Op)
		}
		if _, _, err := parseCIDR(cidr); err != nil {
			return "", &fperrors.InvalidPattern{Pattern: cidr, Reason: err.Error()}
		}
		if flags.NativeCIDR {
			op := "<<="
			if cmp.Op == OpIsSuperset {
				op = ">>="
			}
			c.Args = append(c.Args, cidr)
			frag = fmt.Sprintf("%s::inet %s ?::inet", colRef, op)
		} else {
			// No native inet type (sqlite): record a post-filter and
			// make the SQL side a no-op TRUE so rows still reach Go,
			// where the address/network arithmetic is done directly.
			kind := PostCIDRSubset
			if cmp.Op == OpIsSuperset {
				kind = PostCIDRSuperset
			}
			c.PostFilter = append(c.PostFilter, PostPredicate{Column: colRef, Kind: kind, CIDR: cidr, Negate: cmp.Negate})
			return "1=1", nil
		}

	default:
		return "", fmt.Errorf("pattern: unsupported operator %q", cmp.Op)
	}

	if cmp.Negate {
		return "NOT (" + frag + ")", nil
	}
	return frag, nil
}

func scalarArg(v Value) (any, error) {
	switch {
	case v.Str != nil:
		return *v.Str, nil
	case v.Num != nil:
		return *v.Num, nil
	default:
		return nil, fmt.Errorf("pattern: expected a scalar literal")
	}
}

// ParseCIDR parses "a.b.c.d/n" into its masked network address and mask.
// The post-filter evaluator (EvalPostFilter, used with the sqlite dialect,
// which lacks a native inet type) shares this exact logic with the
// compiler's own CIDR argument validation.
func ParseCIDR(cidr string) (network uint32, mask uint32, err error) {
	return parseCIDR(cidr)
}

func parseCIDR(cidr string) (network uint32, mask uint32, err error) {
	parts := strings.SplitN(cidr, "/", 2)
	ip := parts[0]
	prefix := 32
	if len(parts) == 2 {
		var n int
		if _, err := fmt.Sscanf(parts[1], "%d", &n); err != nil {
			return 0, 0, fmt.Errorf("pattern: bad CIDR prefix %q", cidr)
		}
		prefix = n
	}
	octets := strings.Split(ip, ".")
	if len(octets) != 4 {
		return 0, 0, fmt.Errorf("pattern: bad IPv4 address %q", cidr)
	}
	var addr uint32
	for _, o := range octets {
		var b int
		if _, err := fmt.Sscanf(o, "%d", &b); err != nil || b < 0 || b > 255 {
			return 0, 0, fmt.Errorf("pattern: bad IPv4 octet in %q", cidr)
		}
		addr = addr<<8 | uint32(b)
	}
	if prefix < 0 || prefix > 32 {
		return 0, 0, fmt.Errorf("pattern: bad CIDR prefix in %q", cidr)
	}
	if prefix == 0 {
		mask = 0
	} else {
		mask = ^uint32(0) << (32 - prefix)
	}
	return addr & mask, mask, nil
}

// registryResolver adapts a *registry.Registry into the Resolver interface
// compile.go needs, sampling one row of the source type's table to infer a
// *_ref column's target SCO type from the "{type}--{uuid}" id convention,
// since no ref-target metadata table is persisted (spec names no such
// table).
type registryResolver struct {
	reg  *registry.Registry
	dial sqladapter.Dialect
}

// NewRegistryResolver builds the default Resolver used by the view engine.
func NewRegistryResolver(reg *registry.Registry, dial sqladapter.Dialect) Resolver {
	return &registryResolver{reg: reg, dial: dial}
}

func (r *registryResolver) TypeTable(scoType string) string {
	return r.reg.TableName(scoType)
}

func (r *registryResolver) Columns(ctx context.Context, scoType string) ([]string, error) {
	return r.reg.Columns(ctx, scoType)
}

func (r *registryResolver) SampleRefTarget(ctx context.Context, scoType, column string) (string, bool, error) {
	if !r.reg.HasColumn(scoType, column) {
		return "", false, nil
	}
	table := r.reg.TableName(scoType)
	q := r.dial.QuoteIdentifier
	rows, err := r.dial.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s IS NOT NULL LIMIT 1", q(column), q(table), q(column)))
	if err != nil {
		return "", false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return "", false, rows.Err()
	}
	var val string
	if err := rows.Scan(&val); err != nil {
		return "", false, err
	}
	idx := strings.Index(val, "--")
	if idx < 0 {
		return "", false, fmt.Errorf("pattern: ref column %s.%s value %q is not a STIX id", scoType, column, val)
	}
	return val[:idx], true, nil
}
