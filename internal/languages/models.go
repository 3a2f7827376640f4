package languages

// RuntimeConfig describes the base environment a language runs in.
type RuntimeConfig struct {
	Image      string
	RunCommand []string // reads the payload from stdin
	Workdir    string
}

type Language struct {
	ID     string
	Name   string
	Config RuntimeConfig
	Binder Binder
}

// Binder turns injected data and a snippet into a runnable payload for one
// language.
type Binder interface {
	// ValidName reports whether name can be bound as a variable.
	ValidName(name string) bool
	// Build binds every data entry, appends code verbatim and emits the
	// value of `result` on a marker line.
	Build(data map[string]any, code string) ([]byte, error)
}
