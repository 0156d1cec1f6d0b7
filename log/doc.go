// Package log provides the leveled logging interface shared by ragbuild packages.
//
// The default backend is kataras/golog. Components take a Logger through their
// options and fall back to the package-level logger when none is given:
//
//	logger := log.NewDefaultLogger(log.LogLevelDebug)
//	exec := executor.New(runner, executor.WithLogger(logger))
//
// NoOpLogger silences a component entirely and WriterLogger captures output,
// which tests use to assert on warnings.
package log
