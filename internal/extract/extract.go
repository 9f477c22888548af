// Package extract pulls fenced code blocks out of free-form agent text.
package extract

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"code-runner-sandbox/internal/runtime"
)

// Artifact is one code block found in a message.
type Artifact struct {
	Language runtime.Language `json:"language"`
	Filename string           `json:"filename"`
	Content  string           `json:"content"`
	// Index is the 1-based position of the block among extracted blocks.
	Index int `json:"index"`
	// Named is true when the filename came from the text rather than NameFunc.
	Named bool `json:"named"`
}

// NameFunc synthesizes a filename for a block that carries no hint.
type NameFunc func(lang runtime.Language, index int) string

// DefaultName yields "<language>_snippet_<index><ext>".
func DefaultName(lang runtime.Language, index int) string {
	return fmt.Sprintf("%s_snippet_%d%s", lang, index, runtime.Extension(lang))
}

// TaggedName yields "<language>_snippet_<tag>_<index><ext>". Callers that
// extract from many texts into one folder pass a fresh tag per text so
// unnamed blocks from different texts never share a name.
func TaggedName(tag string) NameFunc {
	return func(lang runtime.Language, index int) string {
		return fmt.Sprintf("%s_snippet_%s_%d%s", lang, tag, index, runtime.Extension(lang))
	}
}

// Extractor scans text for fenced blocks.
type Extractor struct {
	NameFunc NameFunc
}

// New returns an Extractor using DefaultName.
func New() *Extractor {
	return &Extractor{NameFunc: DefaultName}
}

// Extract runs the default extractor over text.
func Extract(text string) []Artifact {
	return New().Extract(text)
}

var (
	commentHint = regexp.MustCompile(`(?i)^\s*(?:#|//|--|;|/\*)\s*(?:file(?:name)?|path)\s*[:=]\s*([^\s*]+)`)
	proseHint   = regexp.MustCompile(`([A-Za-z0-9_\-]+\.(?:py|js|go|sh))\b`)
	attrHint    = regexp.MustCompile(`^(?:title|file|filename|name)=["']?([^"'\s]+)["']?$`)
)

type fence struct {
	marker byte
	width  int
	info   string
}

// Extract returns the artifacts in order of appearance. Blocks whose fence is
// never closed are skipped and logged; extraction carries on after the opener.
func (e *Extractor) Extract(text string) []Artifact {
	nameFn := e.NameFunc
	if nameFn == nil {
		nameFn = DefaultName
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var (
		artifacts []Artifact
		prose     string
	)

	for i := 0; i < len(lines); i++ {
		open, ok := openFence(lines[i])
		if !ok {
			if strings.TrimSpace(lines[i]) != "" {
				prose = lines[i]
			}
			continue
		}

		end := -1
		for j := i + 1; j < len(lines); j++ {
			if closesFence(lines[j], open) {
				end = j
				break
			}
		}
		if end < 0 {
			log.Warn().Int("line", i+1).Str("fence", open.info).Msg("unclosed code fence, block skipped")
			prose = lines[i]
			continue
		}

		body := lines[i+1 : end]
		art := Artifact{
			Content: strings.Join(body, "\n"),
			Index:   len(artifacts) + 1,
		}
		if len(body) > 0 {
			art.Content += "\n"
		}
		art.Language, art.Filename = resolve(open.info, body, prose)
		if art.Filename == "" {
			art.Filename = nameFn(art.Language, art.Index)
		} else {
			art.Named = true
		}
		artifacts = append(artifacts, art)

		prose = ""
		i = end
	}
	return artifacts
}

// openFence recognizes a run of at least three backticks or tildes indented
// by no more than three spaces.
func openFence(line string) (fence, bool) {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 || len(trimmed) < 3 {
		return fence{}, false
	}
	marker := trimmed[0]
	if marker != '`' && marker != '~' {
		return fence{}, false
	}
	width := 0
	for width < len(trimmed) && trimmed[width] == marker {
		width++
	}
	if width < 3 {
		return fence{}, false
	}
	info := strings.TrimSpace(trimmed[width:])
	if marker == '`' && strings.Contains(info, "`") {
		// Inline code span like ```x```, not a fence.
		return fence{}, false
	}
	return fence{marker: marker, width: width, info: info}, true
}

func closesFence(line string, f fence) bool {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 {
		return false
	}
	trimmed = strings.TrimRight(trimmed, " \t")
	if len(trimmed) < f.width {
		return false
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] != f.marker {
			return false
		}
	}
	return true
}

// resolve decides language and filename from, in order, the fence info
// string, a filename comment on the first line, and the prose line above.
func resolve(info string, body []string, prose string) (runtime.Language, string) {
	hint, name := parseInfo(info)

	if name == "" && len(body) > 0 {
		if m := commentHint.FindStringSubmatch(body[0]); m != nil {
			name = cleanName(m[1])
		}
	}
	if name == "" && prose != "" {
		if m := proseHint.FindAllStringSubmatch(prose, -1); len(m) > 0 {
			name = cleanName(m[len(m)-1][1])
		}
	}

	lang, ok := runtime.ParseLanguage(hint)
	if !ok {
		lang = runtime.Text
		if name != "" {
			lang = runtime.LanguageForFile(name)
		}
	}
	if name != "" && path.Ext(name) == "" && lang != runtime.Text {
		name += runtime.Extension(lang)
	}
	return lang, name
}

// parseInfo splits a fence info string into a language hint and an optional
// filename. Accepted shapes: "python", "python hello.py", "python:hello.py",
// "hello.py", `python title="hello.py"`, "{.python file=hello.py}".
func parseInfo(info string) (hint, name string) {
	info = strings.Trim(info, "{}")
	fields := strings.Fields(info)
	if len(fields) == 0 {
		return "", ""
	}

	first := strings.TrimPrefix(fields[0], ".")
	if _, ok := runtime.ParseLanguage(first); ok {
		hint = first
	} else if lang, file, ok := strings.Cut(first, ":"); ok {
		hint, name = lang, cleanName(file)
	} else if looksLikeFile(first) {
		name = cleanName(first)
		hint = string(runtime.LanguageForFile(name))
	} else {
		hint = first
	}

	for _, f := range fields[1:] {
		if name != "" {
			break
		}
		if m := attrHint.FindStringSubmatch(f); m != nil {
			name = cleanName(m[1])
			continue
		}
		if looksLikeFile(f) {
			name = cleanName(f)
		}
	}
	return hint, name
}

func looksLikeFile(tok string) bool {
	tok = strings.Trim(tok, "\"'`")
	ext := path.Ext(tok)
	return len(ext) > 1 && len(ext) < len(tok) && !strings.ContainsAny(tok, "=(){}")
}

// cleanName keeps only the base name so hints can never point outside the
// session folder.
func cleanName(raw string) string {
	raw = strings.Trim(raw, "\"'`,;:")
	raw = strings.ReplaceAll(raw, `\`, "/")
	base := path.Base(raw)
	if base == "." || base == "/" || base == ".." || strings.HasPrefix(base, ".") {
		return ""
	}
	return base
}
