package postgres

import (
	"strconv"
	"strings"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// sqlArgs collects positional query arguments. add stores a value and
// returns its placeholder, so clause text and argument order can never
// drift apart.
type sqlArgs []any

func (a *sqlArgs) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

// windowClause renders the tail shared by every list query: the WHERE
// conditions, optional CreatedAt bounds from opts, newest-first
// ordering, and LIMIT/OFFSET. conds carries any caller conditions
// whose placeholders are already registered in args.
func windowClause(args *sqlArgs, conds []string, opts domain.ListOpts) string {
	if opts.Since != nil {
		conds = append(conds, "created_at >= "+args.add(*opts.Since))
	}
	if opts.Until != nil {
		conds = append(conds, "created_at <= "+args.add(*opts.Until))
	}

	var sb strings.Builder
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	sb.WriteString(" ORDER BY created_at DESC")
	if opts.Limit > 0 {
		sb.WriteString(" LIMIT " + args.add(opts.Limit))
	}
	if opts.Offset > 0 {
		sb.WriteString(" OFFSET " + args.add(opts.Offset))
	}
	return sb.String()
}
