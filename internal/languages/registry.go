package languages

import (
	"errors"
	"sort"
)

const DefaultWorkdir = "/workspace"

var (
	ErrLanguageNotFound = errors.New("language not found")
)

// Registry holds the environment profiles. It is filled by NewRegistry and
// only read afterwards.
type Registry struct {
	languages map[string]Language
}

func NewRegistry() *Registry {
	r := &Registry{
		languages: make(map[string]Language),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) register(lang Language) {
	r.languages[lang.ID] = lang
}

func (r *Registry) Get(id string) (Language, error) {
	lang, ok := r.languages[id]
	if !ok {
		return Language{}, ErrLanguageNotFound
	}
	return lang, nil
}

// IDs lists the profile names in order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.languages))
	for _, l := range r.List() {
		ids = append(ids, l.ID)
	}
	return ids
}

func (r *Registry) List() []Language {
	langs := make([]Language, 0, len(r.languages))
	for _, l := range r.languages {
		langs = append(langs, l)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i].ID < langs[j].ID })
	return langs
}

func (r *Registry) registerDefaults() {
	r.register(Language{
		ID:   "python",
		Name: "Python",
		Config: RuntimeConfig{
			Image:      "python:3.13-alpine",
			RunCommand: []string{"python3", "-"},
			Workdir:    DefaultWorkdir,
		},
		Binder: pythonBinder{},
	})

	r.register(Language{
		ID:   "javascript",
		Name: "JavaScript",
		Config: RuntimeConfig{
			Image:      "node:22-alpine",
			RunCommand: []string{"node", "-"},
			Workdir:    DefaultWorkdir,
		},
		Binder: javascriptBinder{},
	})
}
