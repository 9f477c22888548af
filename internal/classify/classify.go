// Package classify decides whether program output reports an uncaught error.
//
// Interpreters such as python and node sometimes exit 0 after printing a
// traceback (for example when the script catches nothing but a wrapper
// swallows the status). A match here overrides a zero exit code so the
// execution is reported as failed.
package classify

import (
	"sort"
	"strings"
	"sync"

	"code-runner-sandbox/internal/runtime"
)

// Signature is a literal marker that identifies an error report.
type Signature struct {
	Name   string
	Marker string
}

// Match describes the first signature found in a piece of output.
type Match struct {
	Signature Signature
	Language  runtime.Language
	Line      int
}

// Classifier inspects combined output of an execution.
type Classifier interface {
	Classify(lang runtime.Language, text string) (Match, bool)
}

// SignatureClassifier matches literal markers line by line. Markers for the
// execution's language are tried before the common set.
type SignatureClassifier struct {
	mu     sync.RWMutex
	byLang map[runtime.Language][]Signature
	common []Signature
}

// New returns a classifier loaded with the built-in signature tables.
func New() *SignatureClassifier {
	c := &SignatureClassifier{byLang: make(map[runtime.Language][]Signature)}
	c.common = commonSignatures()
	for lang, sigs := range languageSignatures() {
		c.byLang[lang] = sigs
	}
	return c
}

// Register appends signatures for lang. An empty lang extends the common set.
func (c *SignatureClassifier) Register(lang runtime.Language, sigs ...Signature) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lang == "" {
		c.common = append(c.common, sigs...)
		return
	}
	c.byLang[lang] = append(c.byLang[lang], sigs...)
}

// Languages lists the languages with a dedicated table.
func (c *SignatureClassifier) Languages() []runtime.Language {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]runtime.Language, 0, len(c.byLang))
	for l := range c.byLang {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Classify returns the earliest line in text carrying a known marker.
func (c *SignatureClassifier) Classify(lang runtime.Language, text string) (Match, bool) {
	if strings.TrimSpace(text) == "" {
		return Match{}, false
	}

	c.mu.RLock()
	sigs := make([]Signature, 0, len(c.byLang[lang])+len(c.common))
	sigs = append(sigs, c.byLang[lang]...)
	sigs = append(sigs, c.common...)
	c.mu.RUnlock()

	for i, line := range strings.Split(text, "\n") {
		for _, s := range sigs {
			if strings.Contains(line, s.Marker) {
				return Match{Signature: s, Language: lang, Line: i + 1}, true
			}
		}
	}
	return Match{}, false
}

// Nop never reports a match.
type Nop struct{}

func (Nop) Classify(runtime.Language, string) (Match, bool) { return Match{}, false }

func commonSignatures() []Signature {
	return []Signature{
		{Name: "python_traceback", Marker: "Traceback (most recent call last):"},
		{Name: "go_panic", Marker: "panic: "},
		{Name: "fatal_error", Marker: "fatal error: "},
	}
}

func languageSignatures() map[runtime.Language][]Signature {
	return map[runtime.Language][]Signature{
		runtime.Python: {
			{Name: "module_not_found", Marker: "ModuleNotFoundError:"},
			{Name: "import_error", Marker: "ImportError:"},
			{Name: "syntax_error", Marker: "SyntaxError:"},
			{Name: "indentation_error", Marker: "IndentationError:"},
			{Name: "name_error", Marker: "NameError:"},
			{Name: "type_error", Marker: "TypeError:"},
			{Name: "value_error", Marker: "ValueError:"},
			{Name: "index_error", Marker: "IndexError:"},
			{Name: "key_error", Marker: "KeyError:"},
			{Name: "attribute_error", Marker: "AttributeError:"},
			{Name: "zero_division", Marker: "ZeroDivisionError:"},
			{Name: "runtime_error", Marker: "RuntimeError:"},
			{Name: "exception", Marker: "Exception:"},
		},
		runtime.JavaScript: {
			{Name: "uncaught", Marker: "Uncaught "},
			{Name: "missing_module", Marker: "Error: Cannot find module"},
			{Name: "reference_error", Marker: "ReferenceError:"},
			{Name: "type_error", Marker: "TypeError:"},
			{Name: "syntax_error", Marker: "SyntaxError:"},
			{Name: "range_error", Marker: "RangeError:"},
		},
		runtime.Go: {
			{Name: "goroutine_dump", Marker: "goroutine 1 [running]"},
			{Name: "build_failed", Marker: "# command-line-arguments"},
		},
		runtime.Bash: {
			{Name: "command_not_found", Marker: ": not found"},
			{Name: "syntax_error", Marker: "syntax error"},
		},
	}
}
