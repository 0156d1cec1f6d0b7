// Package graph turns a parsed build document into a validated dependency
// graph of build steps.
//
// # Core Concepts
//
// ## BuildStep
// Each step carries a kind and a typed Action payload (RunCommand,
// WriteFile, InstallDependency, CreateDir, CopyFile, ModifyFile, Validate,
// Conditional). The payload set is closed, so consumers can switch over it
// exhaustively.
//
// ## Edges
// DependsOn edges gate a step on its prerequisites succeeding. A
// prior-command-succeeded condition adds an After edge, which orders the
// step behind its target without gating it. Steps named in any rollback
// list are rollback-only and never scheduled forward.
//
// ## Levels
// Level is 1 + the highest level of a step's prerequisites. Steps on the
// same level have no edges between them and may run in parallel.
//
// # Example Usage
//
//	doc, err := document.Load("build.md")
//	if err != nil {
//		return err
//	}
//
//	g, issues, err := graph.NewBuilder(graph.WithStrictDependencies(true)).Build(doc)
//	if err != nil {
//		var cycle *graph.DependencyCycleError
//		if errors.As(err, &cycle) {
//			fmt.Println("cycle:", strings.Join(cycle.Cycle, " -> "))
//		}
//		return err
//	}
//	for _, w := range issues {
//		fmt.Println("warning:", w)
//	}
//
//	fmt.Print(graph.NewExporter(g).DrawPlan())
//
// Build never mutates its input and produces the same graph for the same
// document.
package graph
