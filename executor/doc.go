// Package executor runs a validated build graph.
//
// Each step moves through Pending, Ready, Running and one of Succeeded,
// Failed or Skipped. A bounded worker pool dispatches Ready steps by level
// and then declaration order. Failed attempts are retried with exponential
// backoff up to the step's retry budget. A critical step that fails for good
// stops the build, and the rollback steps of every succeeded step then run
// one at a time in reverse dependency order.
//
// Progress is reported as typed events on a single channel per build:
//
//	events := make(chan executor.Event, 64)
//	go func() {
//		for ev := range events {
//			fmt.Println(ev.Type, ev.StepID, ev.Message)
//		}
//	}()
//	runner := executor.NewOSRunner("out", executor.WithGenerator(pipeline))
//	record, err := executor.New(runner, executor.WithWorkers(4)).Run(ctx, g, events)
//	close(events)
//
// Stream wraps Run for callers that prefer channels for the result too.
package executor
