package policy

// GoPolicy watches Go sources and module files.
type GoPolicy struct{}

// NewGoPolicy creates the Go source policy.
func NewGoPolicy() *GoPolicy {
	return &GoPolicy{}
}

func (p *GoPolicy) ID() string   { return "go" }
func (p *GoPolicy) Name() string { return "Go sources" }

func (p *GoPolicy) Patterns() []string {
	return []string{"*.go", "go.mod", "go.sum", "*.tmpl", "*.yaml", "*.json", "*.toml"}
}

// Ignore skips build output and test fixtures data.
func (p *GoPolicy) Ignore() []string {
	return []string{"bin", "testdata", "*_test.go"}
}

// WebPolicy watches renderer assets served to browser surfaces.
type WebPolicy struct{}

// NewWebPolicy creates the web asset policy.
func NewWebPolicy() *WebPolicy {
	return &WebPolicy{}
}

func (p *WebPolicy) ID() string   { return "web" }
func (p *WebPolicy) Name() string { return "Web assets" }

func (p *WebPolicy) Patterns() []string {
	return []string{"*.html", "*.htm", "*.css", "*.js", "*.mjs", "*.svg", "*.png", "*.jpg", "*.gif", "*.ico"}
}

func (p *WebPolicy) Ignore() []string {
	return []string{"dist", "build"}
}

// Ensure built-in policies implement WatchPolicy.
var (
	_ WatchPolicy = (*GoPolicy)(nil)
	_ WatchPolicy = (*WebPolicy)(nil)
)
