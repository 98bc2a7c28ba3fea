package repository

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/pbinitiative/zenrepo/pkg/repository/runtime"
)

// Parser turns the bytes of one resource into a model. Implementations must not keep a reference to data.
type Parser interface {
	Parse(data []byte) (runtime.Model, error)
}

type ParserFunc func(data []byte) (runtime.Model, error)

func (f ParserFunc) Parse(data []byte) (runtime.Model, error) {
	return f(data)
}

type registeredParser struct {
	suffix string
	kind   string
	parser Parser
}

// ParserRegistry maps resource name suffixes to parsers. Suffixes are matched case insensitive
// and the longest matching suffix wins, so ".form.yaml" takes precedence over ".yaml".
type ParserRegistry struct {
	mu      sync.RWMutex
	parsers []registeredParser
}

func NewParserRegistry() *ParserRegistry {
	return &ParserRegistry{}
}

// Register adds a parser for resources whose name ends with suffix. Kind is copied into every definition the parser produces.
func (r *ParserRegistry) Register(suffix string, kind string, parser Parser) error {
	suffix = strings.ToLower(suffix)
	if suffix == "" {
		return fmt.Errorf("parser suffix must not be empty")
	}
	if parser == nil {
		return fmt.Errorf("parser for suffix %s is nil", suffix)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.parsers {
		if p.suffix == suffix {
			return fmt.Errorf("parser for suffix %s is already registered", suffix)
		}
	}
	r.parsers = append(r.parsers, registeredParser{suffix: suffix, kind: kind, parser: parser})
	slices.SortStableFunc(r.parsers, func(a, b registeredParser) int {
		return len(b.suffix) - len(a.suffix)
	})
	return nil
}

// MustRegister is like Register but panics on error.
func (r *ParserRegistry) MustRegister(suffix string, kind string, parser Parser) *ParserRegistry {
	if err := r.Register(suffix, kind, parser); err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the parser and the definition kind for the resource name.
func (r *ParserRegistry) Lookup(resourceName string) (Parser, string, bool) {
	name := strings.ToLower(resourceName)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.parsers {
		if strings.HasSuffix(name, p.suffix) {
			return p.parser, p.kind, true
		}
	}
	return nil, "", false
}

func (r *ParserRegistry) Suffixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]string, len(r.parsers))
	for i, p := range r.parsers {
		res[i] = p.suffix
	}
	return res
}
