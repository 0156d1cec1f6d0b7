package loader

import "context"

// StaticLoader returns a fixed list of references.
type StaticLoader struct {
	References []Reference
}

// NewStaticLoader creates a new StaticLoader
func NewStaticLoader(refs ...Reference) *StaticLoader {
	return &StaticLoader{References: refs}
}

// Load returns a copy of the static list.
func (l *StaticLoader) Load(ctx context.Context) ([]Reference, error) {
	return append([]Reference(nil), l.References...), nil
}
