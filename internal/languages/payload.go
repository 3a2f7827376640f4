package languages

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ResultMarker prefixes the line carrying the JSON encoded `result`. Output
// printed by the snippet itself is ignored.
const ResultMarker = "__SESSIONBOX_RESULT__:"

// reservedPrefix is used by the generated prologue and epilogue.
const reservedPrefix = "__sessionbox"

var ErrMalformedResult = errors.New("could not parse result as JSON")

// Identifier shapes follow the languages' own rules: a letter or underscore
// (or $ in JavaScript) followed by letters, marks, digits or connectors.
var (
	pythonIdent = regexp.MustCompile(`^[\p{L}\p{Nl}_][\p{L}\p{Nl}\p{Mn}\p{Mc}\p{Nd}\p{Pc}]*$`)
	jsIdent     = regexp.MustCompile(`^[\p{L}\p{Nl}_$][\p{L}\p{Nl}\p{Mn}\p{Mc}\p{Nd}\p{Pc}$]*$`)
)

var pythonKeywords = setOf(
	"False", "None", "True", "and", "as", "assert", "async", "await", "break",
	"class", "continue", "def", "del", "elif", "else", "except", "finally",
	"for", "from", "global", "if", "import", "in", "is", "lambda", "nonlocal",
	"not", "or", "pass", "raise", "return", "try", "while", "with", "yield",
)

// globalThis is included because a module-level var of that name would hide
// the global object from the prologue.
var jsReserved = setOf(
	"await", "break", "case", "catch", "class", "const", "continue", "debugger",
	"default", "delete", "do", "else", "enum", "export", "extends", "false",
	"finally", "for", "function", "if", "implements", "import", "in",
	"instanceof", "interface", "let", "new", "null", "package", "private",
	"protected", "public", "return", "static", "super", "switch", "this",
	"throw", "true", "try", "typeof", "var", "void", "while", "with", "yield",
	"arguments", "eval", "undefined", "NaN", "Infinity", "globalThis",
)

// The prologue and epilogue only reach the interpreter through aliases under
// reservedPrefix, so any valid binding name, print and JSON included, is safe
// to bind.

type pythonBinder struct{}

// ValidName also rejects names with a leading double underscore: binding
// __builtins__ or a dunder at module level changes interpreter behaviour.
func (pythonBinder) ValidName(name string) bool {
	return pythonIdent.MatchString(name) && !pythonKeywords[name] && !strings.HasPrefix(name, "__")
}

func (pythonBinder) Build(data map[string]any, code string) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString("import builtins as __sessionbox_builtins__\n")
	b.WriteString("import json as __sessionbox_json__\n")
	for _, name := range sortedKeys(data) {
		lit, err := jsonLiteral(data[name])
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
		fmt.Fprintf(&b, "%s = __sessionbox_json__.loads(%s)\n", name, lit)
	}
	b.WriteString("\n")
	b.WriteString(code)
	b.WriteString("\n")
	fmt.Fprintf(&b, "__sessionbox_builtins__.print(\"\\n%s\" + __sessionbox_json__.dumps(__sessionbox_builtins__.globals().get(\"result\"), default=__sessionbox_builtins__.str))\n", ResultMarker)
	return b.Bytes(), nil
}

type javascriptBinder struct{}

func (javascriptBinder) ValidName(name string) bool {
	return jsIdent.MatchString(name) && !jsReserved[name] && !strings.HasPrefix(name, reservedPrefix)
}

func (javascriptBinder) Build(data map[string]any, code string) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString("const __sessionbox_JSON__ = globalThis.JSON;\n")
	b.WriteString("const __sessionbox_String__ = globalThis.String;\n")
	b.WriteString("const __sessionbox_stdout__ = globalThis.process.stdout;\n")
	for _, name := range sortedKeys(data) {
		lit, err := jsonLiteral(data[name])
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
		fmt.Fprintf(&b, "var %s = __sessionbox_JSON__.parse(%s);\n", name, lit)
	}
	b.WriteString("\n")
	b.WriteString(code)
	b.WriteString("\n;")
	fmt.Fprintf(&b, `__sessionbox_stdout__.write("\n%s" + (function (v) {
  try {
    const s = __sessionbox_JSON__.stringify(v);
    return s === undefined ? "null" : s;
  } catch (e) {
    return __sessionbox_JSON__.stringify(__sessionbox_String__(v));
  }
})(typeof result === "undefined" ? null : result) + "\n");
`, ResultMarker)
	return b.Bytes(), nil
}

// ExtractResult returns the JSON value on the last marker line of stdout, or
// nil when the payload never reached its epilogue.
func ExtractResult(stdout string) (json.RawMessage, error) {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], "\r")
		if !strings.HasPrefix(line, ResultMarker) {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, ResultMarker))
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("%w: %q", ErrMalformedResult, raw)
		}
		return json.RawMessage(raw), nil
	}
	return nil, nil
}

// jsonLiteral encodes v as JSON and then as a double quoted string literal,
// which both Python and JavaScript accept.
func jsonLiteral(v any) (string, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	outer, err := json.Marshal(string(inner))
	if err != nil {
		return "", err
	}
	return string(outer), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func setOf(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
