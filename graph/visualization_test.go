package graph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrawMermaid(t *testing.T) {
	g, _, err := quietBuilder().Build(scenarioDoc())
	require.NoError(t, err)

	mermaid := NewExporter(g).DrawMermaid()
	assert.True(t, strings.HasPrefix(mermaid, "flowchart TD\n"))
	assert.Contains(t, mermaid, `init["init<br/>create-dir"]`)
	assert.Contains(t, mermaid, `init_rollback(["init-rollback<br/>run-command"])`)
	assert.Contains(t, mermaid, "init --> install")
	assert.Contains(t, mermaid, "install --> build")
	assert.Contains(t, mermaid, "install -. rollback .-> install_rollback")
	assert.Contains(t, mermaid, "style build fill:#FFB6C1")

	lr := NewExporter(g).DrawMermaidWithOptions(MermaidOptions{Direction: "LR"})
	assert.True(t, strings.HasPrefix(lr, "flowchart LR\n"))
}

func TestDrawPlan(t *testing.T) {
	g, _, err := quietBuilder().Build(scenarioDoc())
	require.NoError(t, err)

	plan := NewExporter(g).DrawPlan()
	assert.Contains(t, plan, "Build plan: webapp (3 steps, 3 levels)")
	assert.Contains(t, plan, "└── build [run-command] critical retries=2 timeout=1.5s")
	assert.Contains(t, plan, "│     needs: install")
	assert.Contains(t, plan, "│     rollback: init-rollback")
	assert.Contains(t, plan, "rollback-only\n└── init-rollback [run-command]\n└── install-rollback [run-command]\n")
	assert.Less(t, strings.Index(plan, "level 0"), strings.Index(plan, "level 2"))
}
