package languages

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// Registry is built once at startup and never mutated afterwards, so lookups
// need no locking.
type Registry struct {
	languages map[string]Profile
}

func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{
		languages: make(map[string]Profile, len(profiles)),
	}
	for _, p := range profiles {
		p.ID = normalizeID(p.ID)
		p.FileExtension = strings.TrimPrefix(p.FileExtension, ".")
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.languages[p.ID]; dup {
			return nil, fmt.Errorf("language %s registered twice", p.ID)
		}
		r.languages[p.ID] = p
	}
	return r, nil
}

func (r *Registry) Resolve(id string) (Profile, error) {
	lang, ok := r.languages[normalizeID(id)]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, id)
	}
	return lang, nil
}

func (r *Registry) List() []Profile {
	langs := make([]Profile, 0, len(r.languages))
	for _, l := range r.languages {
		langs = append(langs, l)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i].ID < langs[j].ID })
	return langs
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Defaults returns the built-in profiles with the given limits applied.
func Defaults(limits Limits) []Profile {
	return []Profile{
		{
			ID:              "c",
			Name:            "C",
			Image:           "gcc:13",
			FileExtension:   "c",
			CompileCommand:  "gcc -O2 -std=c11 -o {bin} {src} -lm",
			RunCommand:      "{bin}",
			Limits:          limits,
			NetworkDisabled: true,
		},
		{
			ID:              "cpp",
			Name:            "C++",
			Image:           "gcc:13",
			FileExtension:   "cpp",
			CompileCommand:  "g++ -O2 -std=c++17 -o {bin} {src}",
			RunCommand:      "{bin}",
			Limits:          limits,
			NetworkDisabled: true,
		},
		{
			ID:              "python",
			Name:            "Python",
			Image:           "python:3.11-slim",
			FileExtension:   "py",
			RunCommand:      "python3 -u {src}",
			Limits:          limits,
			NetworkDisabled: true,
		},
		{
			ID:              "javascript",
			Name:            "JavaScript",
			Image:           "node:20-slim",
			FileExtension:   "js",
			RunCommand:      "node {src}",
			Limits:          limits,
			NetworkDisabled: true,
		},
	}
}

// WithOverrides merges overrides into base by id. Unknown ids are added on
// top of the default limits and fallbackImage.
func WithOverrides(base []Profile, defaults Limits, fallbackImage string, overrides map[string]Profile) []Profile {
	out := make([]Profile, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(base))
	for _, p := range base {
		id := normalizeID(p.ID)
		if o, ok := overrides[id]; ok {
			p = p.Merge(o)
		}
		seen[id] = true
		out = append(out, p)
	}

	ids := make([]string, 0, len(overrides))
	for id := range overrides {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if seen[normalizeID(id)] {
			continue
		}
		p := Profile{ID: id, Name: id, Image: fallbackImage, Limits: defaults, NetworkDisabled: true}
		out = append(out, p.Merge(overrides[id]))
	}
	return out
}
