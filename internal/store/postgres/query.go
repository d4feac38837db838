package postgres

import (
	"fmt"

	"github.com/alanyoungcy/shortcycle/internal/domain"
)

// listQuery accumulates a filtered, paginated SELECT with positional args.
type listQuery struct {
	sql  string
	args []any
}

func newListQuery(base string, args ...any) *listQuery {
	return &listQuery{sql: base, args: args}
}

// where appends " AND cond" where cond holds a single %d placeholder for
// the next argument index.
func (q *listQuery) where(cond string, arg any) {
	q.args = append(q.args, arg)
	q.sql += " AND " + fmt.Sprintf(cond, len(q.args))
}

func (q *listQuery) timeRange(col string, opts domain.ListOpts) {
	if opts.Since != nil {
		q.where(col+" >= $%d", *opts.Since)
	}
	if opts.Until != nil {
		q.where(col+" <= $%d", *opts.Until)
	}
}

func (q *listQuery) page(order string, opts domain.ListOpts) {
	q.sql += " ORDER BY " + order
	if opts.Limit > 0 {
		q.args = append(q.args, opts.Limit)
		q.sql += fmt.Sprintf(" LIMIT $%d", len(q.args))
	}
	if opts.Offset > 0 {
		q.args = append(q.args, opts.Offset)
		q.sql += fmt.Sprintf(" OFFSET $%d", len(q.args))
	}
}
