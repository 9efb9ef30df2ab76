// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Files written by FakeProject. MainFile is passed to the app on its
// command line, LibFile is read at runtime and PageFile is only served.
const (
	MainFile = "main.conf"
	LibFile  = "lib.conf"
	PageFile = "static/index.html"
)

// FakeProject creates a project directory for the fake application.
type FakeProject struct {
	Dir string
}

// NewFakeProject creates a new fake project generator rooted at dir.
func NewFakeProject(dir string) *FakeProject {
	return &FakeProject{Dir: dir}
}

// Create writes the project files.
func (p *FakeProject) Create() error {
	files := map[string]string{
		MainFile: "name = fakeapp\n",
		LibFile:  "greeting = hello\n",
		PageFile: "<html><body><h1>fakeapp</h1></body></html>\n",
	}
	for name, content := range files {
		path := p.Path(name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the absolute path of a project file.
func (p *FakeProject) Path(name string) string {
	return filepath.Join(p.Dir, name)
}

// Touch appends a line to a project file so watchers see a write.
func (p *FakeProject) Touch(name string) error {
	f, err := os.OpenFile(p.Path(name), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "# touched %d\n", time.Now().UnixNano())
	return err
}
