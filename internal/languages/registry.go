// Package languages maps submission language ids to how they are built and
// run, both inside a container image and on the host.
package languages

import (
	"errors"
	"sort"
	"sync"
)

var ErrLanguageNotFound = errors.New("language not found")

type RuntimeConfig struct {
	Image          string
	SourceFile     string
	CompileCommand []string
	RunCommand     []string
}

type Language struct {
	ID     string
	Name   string
	Config RuntimeConfig
}

type Registry struct {
	mu        sync.RWMutex
	languages map[string]Language
}

func NewRegistry() *Registry {
	r := &Registry{
		languages: make(map[string]Language),
	}
	r.registerDefaults()
	return r
}

func (r *Registry) Register(lang Language) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.languages[lang.ID] = lang
}

func (r *Registry) Get(id string) (Language, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lang, ok := r.languages[id]
	if !ok {
		return Language{}, ErrLanguageNotFound
	}
	return lang, nil
}

func (r *Registry) List() []Language {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]Language, 0, len(r.languages))
	for _, l := range r.languages {
		langs = append(langs, l)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i].ID < langs[j].ID })
	return langs
}

func (r *Registry) registerDefaults() {
	r.Register(Language{
		ID:   "cpp",
		Name: "C++",
		Config: RuntimeConfig{
			Image:          "gcc:13",
			SourceFile:     "main.cpp",
			CompileCommand: []string{"g++", "main.cpp", "-std=c++17", "-O2", "-o", "main"},
			RunCommand:     []string{"./main"},
		},
	})

	r.Register(Language{
		ID:   "c",
		Name: "C",
		Config: RuntimeConfig{
			Image:          "gcc:13",
			SourceFile:     "main.c",
			CompileCommand: []string{"gcc", "main.c", "-O2", "-o", "main", "-lm"},
			RunCommand:     []string{"./main"},
		},
	})

	r.Register(Language{
		ID:   "python",
		Name: "Python",
		Config: RuntimeConfig{
			Image:      "python:3.11-slim",
			SourceFile: "main.py",
			RunCommand: []string{"python3", "main.py"},
		},
	})

	r.Register(Language{
		ID:   "go",
		Name: "Go",
		Config: RuntimeConfig{
			Image:          "golang:1.24",
			SourceFile:     "main.go",
			CompileCommand: []string{"go", "build", "-o", "main", "main.go"},
			RunCommand:     []string{"./main"},
		},
	})

	r.Register(Language{
		ID:   "node",
		Name: "JavaScript (Node.js)",
		Config: RuntimeConfig{
			Image:      "node:20-slim",
			SourceFile: "main.js",
			RunCommand: []string{"node", "main.js"},
		},
	})
}
