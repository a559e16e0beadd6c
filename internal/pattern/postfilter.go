package pattern

import "regexp"

// EvalPostFilter reports whether a fetched row, given as alias-qualified
// column name to string value, satisfies every PostPredicate compiled for
// the sqlite dialect (MATCHES and CIDR ISSUBSET/ISSUPERSET, neither of
// which sqlite can evaluate natively). A column missing from row (a NULL
// value, since post-filtered columns are always plain strings) never
// satisfies the predicate.
func EvalPostFilter(preds []PostPredicate, row map[string]string) (bool, error) {
	for _, pred := range preds {
		val, ok := row[pred.Column]
		if !ok || val == "" {
			return false, nil
		}
		matched, err := evalOne(pred, val)
		if err != nil {
			return false, err
		}
		if pred.Negate {
			matched = !matched
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func evalOne(pred PostPredicate, val string) (bool, error) {
	switch pred.Kind {
	case PostRegex:
		re, err := regexp.Compile(pred.Regex)
		if err != nil {
			return false, err
		}
		return re.MatchString(val), nil
	case PostCIDRSubset, PostCIDRSuperset:
		patternNetwork, patternMask, err := ParseCIDR(pred.CIDR)
		if err != nil {
			return false, err
		}
		rowNetwork, rowMask, err := ParseCIDR(val)
		if err != nil {
			// Not a parseable IPv4 literal: treat as non-matching rather
			// than failing the whole query.
			return false, nil
		}
		if pred.Kind == PostCIDRSuperset {
			// ISSUPERSET: the pattern's literal must fall within the row's
			// network, the inverse of ISSUBSET's containment direction.
			return patternNetwork&rowMask == rowNetwork, nil
		}
		return rowNetwork&patternMask == patternNetwork, nil
	default:
		return false, nil
	}
}
