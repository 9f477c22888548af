package runtime

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ErrUnsupported is returned when a language tag has no runtime.
var ErrUnsupported = errors.New("unsupported language")

// Language is the closed set of language tags the sandbox understands.
type Language string

const (
	Python     Language = "python"
	JavaScript Language = "javascript"
	Go         Language = "go"
	Bash       Language = "bash"

	// Text tags content that was extracted but cannot be executed.
	Text Language = "text"
)

var aliases = map[string]Language{
	"python":     Python,
	"python3":    Python,
	"py":         Python,
	"javascript": JavaScript,
	"js":         JavaScript,
	"node":       JavaScript,
	"nodejs":     JavaScript,
	"node.js":    JavaScript,
	"go":         Go,
	"golang":     Go,
	"bash":       Bash,
	"sh":         Bash,
	"shell":      Bash,
	"text":       Text,
	"txt":        Text,
	"plaintext":  Text,
}

var extensions = map[Language]string{
	Python:     ".py",
	JavaScript: ".js",
	Go:         ".go",
	Bash:       ".sh",
	Text:       ".txt",
}

// ParseLanguage normalizes a user supplied tag ("py", "Node", "golang") into
// a Language. The second return is false for tags outside the closed set.
func ParseLanguage(tag string) (Language, bool) {
	lang, ok := aliases[strings.ToLower(strings.TrimSpace(tag))]
	return lang, ok
}

// LanguageForFile infers the language from a filename extension, or Text.
func LanguageForFile(name string) Language {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return Text
	}
	for lang, e := range extensions {
		if e == ext {
			return lang
		}
	}
	return Text
}

// Extension returns the canonical file extension (with dot) for lang.
func Extension(lang Language) string {
	if ext, ok := extensions[lang]; ok {
		return ext
	}
	return extensions[Text]
}

// Runtime defines how to execute code for a specific language.
type Runtime interface {
	// Language returns the tag this runtime serves.
	Language() Language

	// Image returns the container image reference for this runtime.
	Image() string

	// Command returns the command and args to execute the given code.
	// The code lives at codePath inside the container.
	Command(codePath string) []string

	// FileExtension returns the file extension for code files (e.g., ".py").
	FileExtension() string

	// Env returns extra KEY=VALUE pairs the runtime needs on a read-only rootfs.
	Env() []string

	// Validate checks if the code is acceptable before it is persisted.
	// This is a best-effort pre-check, not a full parser.
	Validate(code string) error
}

// Registry maps languages to their Runtime implementations.
type Registry struct {
	runtimes map[Language]Runtime
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[Language]Runtime),
	}
	r.Register(&PythonRuntime{})
	r.Register(&NodeRuntime{})
	r.Register(&GoRuntime{})
	r.Register(&BashRuntime{})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Language()] = rt
}

// Get returns the runtime for an already parsed language.
func (r *Registry) Get(lang Language) (Runtime, error) {
	rt, ok := r.runtimes[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupported, lang, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Lookup parses a raw tag and returns its runtime. Unknown tags and Text
// fail here so callers reject them before any container work starts.
func (r *Registry) Lookup(tag string) (Runtime, error) {
	lang, ok := ParseLanguage(tag)
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupported, tag, strings.Join(r.Languages(), ", "))
	}
	return r.Get(lang)
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for lang := range r.runtimes {
		langs = append(langs, string(lang))
	}
	sort.Strings(langs)
	return langs
}

// Images returns all container images needed by registered runtimes, sorted
// and without duplicates.
func (r *Registry) Images() []string {
	seen := make(map[string]bool, len(r.runtimes))
	images := make([]string, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		if seen[rt.Image()] {
			continue
		}
		seen[rt.Image()] = true
		images = append(images, rt.Image())
	}
	sort.Strings(images)
	return images
}

func validateSize(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("empty code")
	}
	if len(code) > 1<<20 { // 1MB limit
		return fmt.Errorf("code too large: %d bytes (max 1MB)", len(code))
	}
	return nil
}
