// Package pattern compiles and interns the regex and glob tables that back
// the predicate runtimes' `regex`/`wildcard` host-ABI calls. Patterns are
// compiled once at rule-load time and referenced thereafter by a small
// integer id, matching the IR's required_regex_ids/required_glob_ids
// contract.
package pattern

import (
	"sync"

	"github.com/dlclark/regexp2"
	"github.com/gobwas/glob"

	"github.com/endpointdefense/huntcore/internal/errors"
)

// ID is a per-rule interned pattern identifier.
type ID int

// Table holds the compiled regex and glob patterns for one predicate.
// It is built once at load time and is read-only thereafter, so lookups
// need no lock.
type Table struct {
	regexes []*regexp2.Regexp
	globs   []glob.Glob
}

// NewTable compiles the given regex and glob source patterns in order,
// assigning them ids 0..n-1 within their respective kind. Compilation
// failure is a rule-load-time error (reject the rule), never a hot-path
// error.
func NewTable(regexSources, globSources []string) (*Table, error) {
	t := &Table{
		regexes: make([]*regexp2.Regexp, 0, len(regexSources)),
		globs:   make([]glob.Glob, 0, len(globSources)),
	}
	for _, src := range regexSources {
		re, err := regexp2.Compile(src, regexp2.None)
		if err != nil {
			return nil, errors.CompileFailed("regex:"+src, err)
		}
		t.regexes = append(t.regexes, re)
	}
	for _, src := range globSources {
		g, err := glob.Compile(src)
		if err != nil {
			return nil, errors.CompileFailed("glob:"+src, err)
		}
		t.globs = append(t.globs, g)
	}
	return t, nil
}

// MatchRegex evaluates the regex at id against s. A malformed id or an
// internal engine error is treated as non-match, matching the hot-path
// "never abort the engine" rule (§4.5, §7).
func (t *Table) MatchRegex(id ID, s string) bool {
	if int(id) < 0 || int(id) >= len(t.regexes) {
		return false
	}
	matched, err := t.regexes[id].MatchString(s)
	if err != nil {
		return false
	}
	return matched
}

// MatchGlob evaluates the glob at id against s.
func (t *Table) MatchGlob(id ID, s string) bool {
	if int(id) < 0 || int(id) >= len(t.globs) {
		return false
	}
	return t.globs[id].Match(s)
}

// Registry holds the compiled Table for each loaded predicate id. Load
// compiles the given sources on every call and replaces any Table already
// stored under that id; an unchanged pattern set is compiled again, not
// reused.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]*Table)}
}

func (r *Registry) Load(predicateID string, regexSources, globSources []string) (*Table, error) {
	t, err := NewTable(regexSources, globSources)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.tables[predicateID] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Registry) Get(predicateID string) (*Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[predicateID]
	return t, ok
}

func (r *Registry) Unload(predicateID string) {
	r.mu.Lock()
	delete(r.tables, predicateID)
	r.mu.Unlock()
}
