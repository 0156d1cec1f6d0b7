// Package store persists build reports.
//
// Every build run produces an append-only stream of entries: progress
// transitions, generated content notices, errors, and finally the complete
// executor.Record. Entries are never updated or deleted. Each backend
// assigns sequence numbers per run, starting at 1, so a report can be
// replayed in order.
//
// # Backends
//
//   - store/memory: in-process, for tests and one-shot runs
//   - store/file: one JSON Lines file per run
//   - store/sqlite: a single SQLite database file
//   - store/postgres: a shared PostgreSQL table
//   - store/redis: a Redis list per run plus a run index set
//
// # Usage
//
//	reports, err := file.NewFileReportStore(".ragbuild/reports")
//	if err != nil {
//		return err
//	}
//	defer reports.Close()
//
//	for ev := range events {
//		entry, err := store.EntryFromEvent(ev)
//		if err != nil {
//			continue
//		}
//		_ = reports.Append(ctx, entry)
//	}
//
//	entries, err := reports.Load(ctx, runID)
//	record, err := store.FinalRecord(entries)
//
// Implementations can be checked against the shared contract with the
// storetest package.
package store
