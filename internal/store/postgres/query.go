package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

// listQuery appends the Since/Until filters on column, a descending order
// on column and the limit/offset of opts to base, numbering placeholders
// after any args already present.
func listQuery(base, column string, opts domain.ListOpts, args ...any) (string, []any) {
	var b strings.Builder
	b.WriteString(base)

	where := strings.Contains(strings.ToUpper(base), " WHERE ")
	cond := func(expr string, v any) {
		if where {
			b.WriteString(" AND ")
		} else {
			b.WriteString(" WHERE ")
			where = true
		}
		args = append(args, v)
		fmt.Fprintf(&b, expr, column, len(args))
	}

	if opts.Since != nil {
		cond("%s >= $%d", *opts.Since)
	}
	if opts.Until != nil {
		cond("%s <= $%d", *opts.Until)
	}

	fmt.Fprintf(&b, " ORDER BY %s DESC", column)

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}
