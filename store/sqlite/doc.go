// Package sqlite stores build reports in a SQLite database.
//
// All runs share one table, keyed by (run_id, seq). Sequence numbers are
// assigned inside a transaction, so the store is safe for concurrent use
// within a process.
//
//	reports, err := sqlite.NewSqliteReportStore(sqlite.SqliteOptions{
//		Path:      "./reports.db",
//		TableName: "build_reports", // optional
//	})
//	if err != nil {
//		return err
//	}
//	defer reports.Close()
//
// The schema is created on open. Entry data is stored as JSON text.
package sqlite
