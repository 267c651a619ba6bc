// Package txn coordinates one unit of work against a storage connection and
// runs follow-up work only once its outcome is known.
//
// A Coordinator owns the transaction lifecycle:
//
//	NotInTransaction -> Begun -> Committed | RolledBack
//
// Handles obtained with Clone share one mutex-protected cell holding the
// connection, state and callback list. Each handle must be released; the
// last Release is the finalize step. It invokes pending callbacks if Run
// has not already done so, treating an unresolved transaction as rolled
// back.
//
// Run wraps a business function:
//
//	res, err := txn.Run(ctx, coord, func(ctx context.Context) (txn.BizResult[int, string], error) {
//		...
//		return txn.Ok[int, string](42), nil
//	})
//
// The caller sees exactly one of: business success (committed), business
// failure (rolled back) or a system error (rollback attempted, persisted
// state possibly unknown).
//
// A Scheduler registered on a coordinator collects deferred tasks and hands
// them to an Executor only after commit.
package txn
