// Package usecase contains application business logic.
package usecase

import (
	"github.com/eliteGoblin/focusd/devmon/internal/domain"
	"github.com/eliteGoblin/focusd/devmon/internal/knowledge"
)

// Decision is the outcome of classifying one changed file.
type Decision struct {
	Path   string
	Action domain.Action
	Known  bool
}

// Classifier is the supervisor's mirror of the agent's known files.
// It is owned by the supervisor loop and is not safe for concurrent use.
type Classifier struct {
	known *knowledge.Set
}

// NewClassifier creates a classifier with an empty mirror.
func NewClassifier() *Classifier {
	return &Classifier{known: knowledge.New()}
}

// Learn records a file reported by the agent. It returns true when the file
// was not already mirrored.
func (c *Classifier) Learn(file string) bool {
	if file == "" {
		return false
	}
	return c.known.Add(knowledge.Canonical(file), domain.OriginReported)
}

// Decide classifies a change: main process files need a reset, everything
// else is a renderer reload.
func (c *Classifier) Decide(path string) Decision {
	p := knowledge.Canonical(path)
	if c.known.Has(p) {
		return Decision{Path: p, Action: domain.ActionReset, Known: true}
	}
	return Decision{Path: p, Action: domain.ActionReload}
}

// DecideBatch classifies a batch of changes. A single main process file in
// the batch makes the whole batch a reset.
func (c *Classifier) DecideBatch(paths []string) (domain.Action, []Decision) {
	action := domain.ActionReload
	decisions := make([]Decision, 0, len(paths))
	for _, p := range paths {
		d := c.Decide(p)
		if d.Action == domain.ActionReset {
			action = domain.ActionReset
		}
		decisions = append(decisions, d)
	}
	return action, decisions
}

// Known returns the number of mirrored files.
func (c *Classifier) Known() int {
	return c.known.Len()
}

// Files returns mirrored files in the order they were reported.
func (c *Classifier) Files() []string {
	return c.known.Paths()
}
