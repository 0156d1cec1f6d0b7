package graph

import (
	"fmt"
	"strings"
)

// Exporter renders a BuildGraph for operators.
type Exporter struct {
	graph *BuildGraph
}

// NewExporter creates a new graph exporter for the given graph
func NewExporter(graph *BuildGraph) *Exporter {
	return &Exporter{graph: graph}
}

// MermaidOptions defines configuration for Mermaid diagram generation
type MermaidOptions struct {
	// Direction of the flowchart (e.g., "TD", "LR")
	Direction string
}

// DrawMermaid generates a Mermaid diagram representation of the graph
func (ge *Exporter) DrawMermaid() string {
	return ge.DrawMermaidWithOptions(MermaidOptions{Direction: "TD"})
}

// DrawMermaidWithOptions generates a Mermaid diagram with custom options
func (ge *Exporter) DrawMermaidWithOptions(opts MermaidOptions) string {
	var sb strings.Builder

	direction := opts.Direction
	if direction == "" {
		direction = "TD"
	}
	fmt.Fprintf(&sb, "flowchart %s\n", direction)

	for _, s := range ge.graph.Steps() {
		shape := "[\"%s\"]"
		if s.RollbackOnly {
			shape = "([\"%s\"])"
		} else if s.Kind == KindConditional {
			shape = "{\"%s\"}"
		}
		fmt.Fprintf(&sb, "    %s"+shape+"\n", mermaidID(s.ID), s.ID+"<br/>"+string(s.Kind))
	}
	for _, s := range ge.graph.Steps() {
		for _, dep := range s.DependsOn {
			fmt.Fprintf(&sb, "    %s --> %s\n", mermaidID(dep), mermaidID(s.ID))
		}
		for _, dep := range s.After {
			fmt.Fprintf(&sb, "    %s -.-> %s\n", mermaidID(dep), mermaidID(s.ID))
		}
		for _, rb := range s.Rollback {
			fmt.Fprintf(&sb, "    %s -. rollback .-> %s\n", mermaidID(s.ID), mermaidID(rb))
		}
	}
	for _, s := range ge.graph.Steps() {
		switch {
		case s.Critical:
			fmt.Fprintf(&sb, "    style %s fill:#FFB6C1\n", mermaidID(s.ID))
		case s.IsGeneration():
			fmt.Fprintf(&sb, "    style %s fill:#87CEEB\n", mermaidID(s.ID))
		}
	}
	return sb.String()
}

func mermaidID(id string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			return r
		}
		return '_'
	}, id)
}

// DrawPlan renders the graph level by level as plain text.
func (ge *Exporter) DrawPlan() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Build plan: %s (%d steps, %d levels)\n", ge.graph.Name(), len(ge.graph.Order()), len(ge.graph.levels))

	for i, level := range ge.graph.levels {
		fmt.Fprintf(&sb, "level %d\n", i)
		for j, id := range level {
			s := ge.graph.steps[id]
			connector := "├──"
			if j == len(level)-1 {
				connector = "└──"
			}
			fmt.Fprintf(&sb, "%s %s [%s]%s\n", connector, id, s.Kind, stepFlags(s))
			if len(s.DependsOn) > 0 {
				fmt.Fprintf(&sb, "│     needs: %s\n", strings.Join(s.DependsOn, ", "))
			}
			if len(s.After) > 0 {
				fmt.Fprintf(&sb, "│     after: %s\n", strings.Join(s.After, ", "))
			}
			for _, c := range s.Conditions {
				fmt.Fprintf(&sb, "│     when: %s\n", c)
			}
			if len(s.Rollback) > 0 {
				fmt.Fprintf(&sb, "│     rollback: %s\n", strings.Join(s.Rollback, ", "))
			}
		}
	}

	if rb := ge.graph.RollbackSteps(); len(rb) > 0 {
		sb.WriteString("rollback-only\n")
		for _, s := range rb {
			fmt.Fprintf(&sb, "└── %s [%s]\n", s.ID, s.Kind)
		}
	}
	return sb.String()
}

func stepFlags(s *BuildStep) string {
	var flags []string
	if s.Critical {
		flags = append(flags, "critical")
	}
	if s.IsGeneration() {
		flags = append(flags, "generated")
	}
	if s.MaxRetries > 0 {
		flags = append(flags, fmt.Sprintf("retries=%d", s.MaxRetries))
	}
	if s.Timeout > 0 {
		flags = append(flags, "timeout="+s.Timeout.String())
	}
	if len(flags) == 0 {
		return ""
	}
	return " " + strings.Join(flags, " ")
}
