// Package postgres stores build reports in PostgreSQL.
//
// Entries live in one table keyed by (run_id, seq). The next sequence
// number is computed by the INSERT itself, so several processes may append
// to different runs of the same table; two concurrent appends to one run
// conflict on the primary key and the loser returns an error.
//
//	reports, err := postgres.NewPostgresReportStore(ctx, postgres.PostgresOptions{
//		ConnString: "postgres://ragbuild@localhost:5432/ragbuild",
//	})
//	if err != nil {
//		return err
//	}
//	defer reports.Close()
//	if err := reports.InitSchema(ctx); err != nil {
//		return err
//	}
//
// Any DBPool, such as a pgxmock pool, can be supplied with
// NewPostgresReportStoreWithPool.
package postgres
