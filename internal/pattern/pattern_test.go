package pattern

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymundl/firepit/internal/sqladapter"
)

func TestParseSimpleComparison(t *testing.T) {
	pat, err := Parse(`[ipv4-addr:value = '198.51.100.1']`)
	require.NoError(t, err)
	require.Len(t, pat.Groups, 1)
	leaf, ok := pat.Groups[0].(Leaf)
	require.True(t, ok)
	assert.Equal(t, "ipv4-addr", leaf.Cmp.ObjType)
	assert.Equal(t, "value", leaf.Cmp.Path)
	assert.Equal(t, OpEq, leaf.Cmp.Op)
	assert.False(t, leaf.Cmp.Negate)
	require.NotNil(t, leaf.Cmp.Val.Str)
	assert.Equal(t, "198.51.100.1", *leaf.Cmp.Val.Str)
	assert.Equal(t, "ipv4-addr", pat.RootType())
}

func TestParseDottedRefPath(t *testing.T) {
	pat, err := Parse(`[network-traffic:src_ref.value = '10.0.0.1']`)
	require.NoError(t, err)
	leaf := pat.Groups[0].(Leaf)
	assert.Equal(t, "src_ref.value", leaf.Cmp.Path)
	assert.Equal(t, "network-traffic", pat.RootType())
}

func TestParseAndOr(t *testing.T) {
	pat, err := Parse(`[ipv4-addr:value = '198.51.100.1' AND ipv4-addr:value != '10.0.0.1' OR domain-name:value = 'example.com']`)
	require.NoError(t, err)
	require.Len(t, pat.Groups, 1)
	or, ok := pat.Groups[0].(Or)
	require.True(t, ok)
	and, ok := or.Left.(And)
	require.True(t, ok)
	assert.Equal(t, OpEq, and.Left.(Leaf).Cmp.Op)
	assert.Equal(t, OpNe, and.Right.(Leaf).Cmp.Op)
	assert.Equal(t, OpEq, or.Right.(Leaf).Cmp.Op)
}

func TestParseNotNegation(t *testing.T) {
	pat, err := Parse(`[NOT ipv4-addr:value = '198.51.100.1']`)
	require.NoError(t, err)
	leaf := pat.Groups[0].(Leaf)
	assert.True(t, leaf.Cmp.Negate)
}

func TestParseNotBeforeOperator(t *testing.T) {
	pat, err := Parse(`[url:value NOT LIKE '%page/1%']`)
	require.NoError(t, err)
	leaf := pat.Groups[0].(Leaf)
	assert.True(t, leaf.Cmp.Negate)
	assert.Equal(t, OpLike, leaf.Cmp.Op)
	assert.Equal(t, "url", leaf.Cmp.ObjType)
	assert.Equal(t, "value", leaf.Cmp.Path)
}

func TestParseFollowedByConjoinsGroups(t *testing.T) {
	pat, err := Parse(`[ipv4-addr:value = '198.51.100.1'] FOLLOWEDBY [domain-name:value = 'example.com']`)
	require.NoError(t, err)
	assert.Len(t, pat.Groups, 2)
}

func TestParseInTuple(t *testing.T) {
	pat, err := Parse(`[ipv4-addr:value IN ('198.51.100.1', '198.51.100.2')]`)
	require.NoError(t, err)
	leaf := pat.Groups[0].(Leaf)
	assert.Equal(t, OpIn, leaf.Cmp.Op)
	require.Len(t, leaf.Cmp.Val.Tuple, 2)
	assert.Equal(t, "198.51.100.1", *leaf.Cmp.Val.Tuple[0].Str)
}

func TestParseLikeMatchesIsSubsetIsSuperset(t *testing.T) {
	cases := []struct {
		src string
		op  Op
	}{
		{`[domain-name:value LIKE '%example%']`, OpLike},
		{`[domain-name:value MATCHES '^ex.*']`, OpMatches},
		{`[ipv4-addr:value ISSUBSET '198.51.100.0/24']`, OpIsSubset},
		{`[ipv4-addr:value ISSUPERSET '198.51.100.0/24']`, OpIsSuperset},
	}
	for _, c := range cases {
		pat, err := Parse(c.src)
		require.NoError(t, err, c.src)
		assert.Equal(t, c.op, pat.Groups[0].(Leaf).Cmp.Op, c.src)
	}
}

func TestParseNumericLiteral(t *testing.T) {
	pat, err := Parse(`[file:size > 1024]`)
	require.NoError(t, err)
	leaf := pat.Groups[0].(Leaf)
	require.NotNil(t, leaf.Cmp.Val.Num)
	assert.Equal(t, float64(1024), *leaf.Cmp.Val.Num)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse(`not a pattern at all`)
	assert.Error(t, err)
}

func TestParseRejectsTrailingInput(t *testing.T) {
	_, err := Parse(`[ipv4-addr:value = '1.2.3.4'] garbage`)
	assert.Error(t, err)
}

func TestParseRejectsUnterminatedString(t *testing.T) {
	_, err := Parse(`[ipv4-addr:value = 'unterminated]`)
	assert.Error(t, err)
}

// fakeResolver lets compile_test exercise join allocation and post-filter
// fallbacks without a real registry/database behind it.
type fakeResolver struct {
	refTargets map[string]string // "objType.column" -> target type
}

func (f *fakeResolver) TypeTable(scoType string) string { return "t_" + scoType }

func (f *fakeResolver) Columns(ctx context.Context, scoType string) ([]string, error) {
	return nil, nil
}

func (f *fakeResolver) SampleRefTarget(ctx context.Context, scoType, column string) (string, bool, error) {
	target, ok := f.refTargets[scoType+"."+column]
	return target, ok, nil
}

func TestCompileSimpleEquality(t *testing.T) {
	pat, err := Parse(`[ipv4-addr:value = '198.51.100.1']`)
	require.NoError(t, err)
	res := &fakeResolver{}
	compiled, err := Compile(context.Background(), pat, "t", res, sqladapter.Flags{})
	require.NoError(t, err)
	assert.Equal(t, `(t.value = ?)`, compiled.Where)
	assert.Equal(t, []any{"198.51.100.1"}, compiled.Args)
	assert.Empty(t, compiled.Joins)
}

func TestCompileDottedRefAllocatesJoin(t *testing.T) {
	pat, err := Parse(`[network-traffic:src_ref.value = '10.0.0.1']`)
	require.NoError(t, err)
	res := &fakeResolver{refTargets: map[string]string{"network-traffic.src_ref": "ipv4-addr"}}
	compiled, err := Compile(context.Background(), pat, "t", res, sqladapter.Flags{})
	require.NoError(t, err)
	require.Len(t, compiled.Joins, 1)
	j := compiled.Joins[0]
	assert.Equal(t, "j1", j.Alias)
	assert.Equal(t, "t_ipv4-addr", j.Table)
	assert.Equal(t, "t.src_ref", j.OnColumn)
	assert.Equal(t, "ipv4-addr", j.TargetType)
	assert.Contains(t, compiled.Where, "j1.value")
}

func TestCompileRepeatedRefPathReusesJoin(t *testing.T) {
	pat, err := Parse(`[network-traffic:src_ref.value = '10.0.0.1' AND network-traffic:src_ref.value != '10.0.0.2']`)
	require.NoError(t, err)
	res := &fakeResolver{refTargets: map[string]string{"network-traffic.src_ref": "ipv4-addr"}}
	compiled, err := Compile(context.Background(), pat, "t", res, sqladapter.Flags{})
	require.NoError(t, err)
	assert.Len(t, compiled.Joins, 1)
}

func TestCompileMatchesWithoutRegexOperatorRecordsPostFilter(t *testing.T) {
	pat, err := Parse(`[domain-name:value MATCHES '^ex.*']`)
	require.NoError(t, err)
	res := &fakeResolver{}
	compiled, err := Compile(context.Background(), pat, "t", res, sqladapter.Flags{RegexOperator: ""})
	require.NoError(t, err)
	assert.Equal(t, "(1=1)", compiled.Where)
	require.Len(t, compiled.PostFilter, 1)
	assert.Equal(t, PostRegex, compiled.PostFilter[0].Kind)
	assert.Equal(t, "^ex.*", compiled.PostFilter[0].Regex)
}

func TestCompileMatchesWithRegexOperator(t *testing.T) {
	pat, err := Parse(`[domain-name:value MATCHES '^ex.*']`)
	require.NoError(t, err)
	res := &fakeResolver{}
	compiled, err := Compile(context.Background(), pat, "t", res, sqladapter.Flags{RegexOperator: "~"})
	require.NoError(t, err)
	assert.Contains(t, compiled.Where, "~")
	assert.Empty(t, compiled.PostFilter)
}

func TestCompileIsSubsetWithoutNativeCIDR(t *testing.T) {
	pat, err := Parse(`[ipv4-addr:value ISSUBSET '198.51.100.0/24']`)
	require.NoError(t, err)
	res := &fakeResolver{}
	compiled, err := Compile(context.Background(), pat, "t", res, sqladapter.Flags{NativeCIDR: false})
	require.NoError(t, err)
	assert.Equal(t, "(1=1)", compiled.Where)
	require.Len(t, compiled.PostFilter, 1)
	assert.Equal(t, PostCIDRSubset, compiled.PostFilter[0].Kind)
}

func TestCompileIsSupersetWithNativeCIDR(t *testing.T) {
	pat, err := Parse(`[ipv4-addr:value ISSUPERSET '198.51.100.0/24']`)
	require.NoError(t, err)
	res := &fakeResolver{}
	compiled, err := Compile(context.Background(), pat, "t", res, sqladapter.Flags{NativeCIDR: true})
	require.NoError(t, err)
	assert.Contains(t, compiled.Where, ">>=")
	assert.Empty(t, compiled.PostFilter)
}

func TestCompileNegatedComparison(t *testing.T) {
	pat, err := Parse(`[NOT ipv4-addr:value = '198.51.100.1']`)
	require.NoError(t, err)
	res := &fakeResolver{}
	compiled, err := Compile(context.Background(), pat, "t", res, sqladapter.Flags{})
	require.NoError(t, err)
	assert.Contains(t, compiled.Where, "NOT")
}

func TestCompileInTuple(t *testing.T) {
	pat, err := Parse(`[ipv4-addr:value IN ('1.1.1.1', '2.2.2.2')]`)
	require.NoError(t, err)
	res := &fakeResolver{}
	compiled, err := Compile(context.Background(), pat, "t", res, sqladapter.Flags{})
	require.NoError(t, err)
	assert.Equal(t, `(t.value IN (?, ?))`, compiled.Where)
	assert.Equal(t, []any{"1.1.1.1", "2.2.2.2"}, compiled.Args)
}

func TestParseCIDRMasksNetworkAddress(t *testing.T) {
	network, mask, err := ParseCIDR("198.51.100.37/24")
	require.NoError(t, err)
	netAddr, _, err := ParseCIDR("198.51.100.0/24")
	require.NoError(t, err)
	assert.Equal(t, netAddr, network)
	assert.NotZero(t, mask)
}

func TestEvalPostFilterRegexAndNegation(t *testing.T) {
	preds := []PostPredicate{{Column: "root.value", Kind: PostRegex, Regex: "^ex"}}
	ok, err := EvalPostFilter(preds, map[string]string{"root.value": "example.com"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvalPostFilter(preds, map[string]string{"root.value": "other.com"})
	require.NoError(t, err)
	assert.False(t, ok)

	negated := []PostPredicate{{Column: "root.value", Kind: PostRegex, Regex: "^ex", Negate: true}}
	ok, err = EvalPostFilter(negated, map[string]string{"root.value": "other.com"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvalPostFilterCIDRSubset(t *testing.T) {
	preds := []PostPredicate{{Column: "root.value", Kind: PostCIDRSubset, CIDR: "198.51.100.0/24"}}
	ok, err := EvalPostFilter(preds, map[string]string{"root.value": "198.51.100.42"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvalPostFilter(preds, map[string]string{"root.value": "10.0.0.1"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalPostFilterCIDRSuperset(t *testing.T) {
	preds := []PostPredicate{{Column: "root.value", Kind: PostCIDRSuperset, CIDR: "198.51.100.42/32"}}

	ok, err := EvalPostFilter(preds, map[string]string{"root.value": "198.51.100.0/24"})
	require.NoError(t, err)
	assert.True(t, ok, "the row's wider network contains the pattern's narrower literal")

	ok, err = EvalPostFilter(preds, map[string]string{"root.value": "10.0.0.0/24"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalPostFilterMissingColumnNeverMatches(t *testing.T) {
	preds := []PostPredicate{{Column: "root.value", Kind: PostRegex, Regex: "^ex"}}
	ok, err := EvalPostFilter(preds, map[string]string{})
	require.NoError(t, err)
	assert.False(t, ok)
}
