package db

// DB returns the underlying DBTX this Queries is bound to — the pool for
// top-level calls, or the enclosing transaction inside WithTx.
func (q *Queries) DB() DBTX {
	return q.db
}
