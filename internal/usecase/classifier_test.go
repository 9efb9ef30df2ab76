package usecase

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/devmon/internal/domain"
	"github.com/eliteGoblin/focusd/devmon/internal/knowledge"
)

func TestClassifier_Decide(t *testing.T) {
	tests := []struct {
		name    string
		learned []string
		changed string
		want    domain.Action
	}{
		{
			name:    "unknown file reloads",
			changed: "/src/web/index.html",
			want:    domain.ActionReload,
		},
		{
			name:    "reported file resets",
			learned: []string{"/src/main.go"},
			changed: "/src/main.go",
			want:    domain.ActionReset,
		},
		{
			name:    "unclean path still matches",
			learned: []string{"/src/cmd/../main.go"},
			changed: "/src/./main.go",
			want:    domain.ActionReset,
		},
		{
			name:    "sibling of a known file reloads",
			learned: []string{"/src/main.go"},
			changed: "/src/main_helper.go",
			want:    domain.ActionReload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier()
			for _, f := range tt.learned {
				c.Learn(f)
			}
			d := c.Decide(tt.changed)
			assert.Equal(t, tt.want, d.Action)
			assert.Equal(t, tt.want == domain.ActionReset, d.Known)
		})
	}
}

func TestClassifier_LearnIsIdempotent(t *testing.T) {
	c := NewClassifier()

	assert.True(t, c.Learn("/src/main.go"))
	assert.False(t, c.Learn("/src/main.go"))
	assert.False(t, c.Learn(""))
	assert.Equal(t, 1, c.Known())
}

func TestClassifier_ResolvesSymlinks(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "main.go")
	link := filepath.Join(dir, "link.go")
	require.NoError(t, os.WriteFile(real, []byte("package main"), 0644))
	require.NoError(t, os.Symlink(real, link))

	c := NewClassifier()
	c.Learn(real)

	d := c.Decide(link)
	assert.Equal(t, domain.ActionReset, d.Action)
	assert.Equal(t, knowledge.Canonical(real), d.Path)
}

func TestClassifier_DecideBatch(t *testing.T) {
	c := NewClassifier()
	c.Learn("/src/main.go")

	action, decisions := c.DecideBatch([]string{"/src/web/app.js", "/src/web/app.css"})
	assert.Equal(t, domain.ActionReload, action)
	assert.Len(t, decisions, 2)

	action, decisions = c.DecideBatch([]string{"/src/web/app.js", "/src/main.go"})
	assert.Equal(t, domain.ActionReset, action)
	assert.True(t, decisions[1].Known)
}

func TestClassifier_FilesInReportOrder(t *testing.T) {
	c := NewClassifier()
	c.Learn("/b.go")
	c.Learn("/a.go")

	assert.Equal(t, []string{"/b.go", "/a.go"}, c.Files())
}
