// Package sanitize redacts log lines with ordered, case-insensitive regex rules.
package sanitize

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
)

// Rule replaces every match of Pattern with Replace.
// Replace is a regexp template: $1, ${1} and ${name} refer to capture groups.
type Rule struct {
	Pattern string `yaml:"pattern" toml:"pattern" json:"pattern"`
	Replace string `yaml:"replace" toml:"replace" json:"replace"`

	// Legacy rules come from config.cfg. Replace uses backslash references
	// (\1, \g<name>) and escapes (\n, \\) and takes $ literally. A pattern RE2
	// rejects (lookaround, backreferences) is compiled with a backtracking
	// engine instead.
	Legacy bool `yaml:"-" toml:"-" json:"-"`
}

type replacer interface {
	replace(line string) string
}

type re2Rule struct {
	re       *regexp.Regexp
	template string
}

func (r re2Rule) replace(line string) string {
	return r.re.ReplaceAllString(line, r.template)
}

type backtrackRule struct {
	re       *regexp2.Regexp
	template string
}

func (r backtrackRule) replace(line string) string {
	out, err := r.re.Replace(line, r.template, -1, -1)
	if err != nil {
		// Only a match timeout fails, and none is set.
		return line
	}
	return out
}

// Sanitizer applies rules in order. Each rule sees the output of the previous one.
type Sanitizer struct {
	rules []replacer
}

// Compile builds a Sanitizer. Every pattern is matched case-insensitively.
func Compile(rules []Rule) (*Sanitizer, error) {
	s := &Sanitizer{rules: make([]replacer, 0, len(rules))}
	for i, r := range rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("rule %d: empty pattern", i)
		}

		template := r.Replace
		if r.Legacy {
			t, err := PythonTemplate(r.Replace)
			if err != nil {
				return nil, fmt.Errorf("rule %d: replace %q: %w", i, r.Replace, err)
			}
			template = t
		}

		rep, err := compileRule(r.Pattern, template, r.Legacy)
		if err != nil {
			return nil, fmt.Errorf("rule %d: compile %q: %w", i, r.Pattern, err)
		}
		s.rules = append(s.rules, rep)
	}
	return s, nil
}

var pythonBackref = regexp.MustCompile(`\(\?P=(\w+)\)`)

func compileRule(pattern, template string, legacy bool) (replacer, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err == nil {
		return re2Rule{re: re, template: template}, nil
	}
	if !legacy {
		return nil, err
	}

	// regexp2 spells Python's (?P<name>...) and (?P=name) as (?<name>...) and \k<name>.
	pattern = strings.ReplaceAll(pattern, "(?P<", "(?<")
	pattern = pythonBackref.ReplaceAllString(pattern, `\k<$1>`)
	bre, berr := regexp2.Compile(pattern, regexp2.IgnoreCase)
	if berr != nil {
		return nil, berr
	}
	return backtrackRule{re: bre, template: template}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(rules []Rule) *Sanitizer {
	s, err := Compile(rules)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of rules.
func (s *Sanitizer) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Line applies every rule to line.
func (s *Sanitizer) Line(line string) string {
	if s == nil {
		return line
	}
	for _, r := range s.rules {
		line = r.replace(line)
	}
	return line
}

// Lines returns a new slice with every line sanitized. lines is not modified.
func (s *Sanitizer) Lines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = s.Line(l)
	}
	return out
}

// Bytes coerces raw lines to text and sanitizes them.
func (s *Sanitizer) Bytes(lines [][]byte) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = s.Line(string(l))
	}
	return out
}

var pythonEscapes = map[byte]rune{
	'a':  '\a',
	'b':  '\b',
	'f':  '\f',
	'n':  '\n',
	'r':  '\r',
	't':  '\t',
	'v':  '\v',
	'\\': '\\',
}

// PythonTemplate converts a backslash style replacement into regexp template
// syntax. \1 to \99 and \g<name> become group references, \0 and three digit
// \ooo are octal characters, \n \t \\ and friends are control characters, and
// $ is literal. An unknown escape of an ASCII letter is an error; any other
// escaped character keeps its backslash.
func PythonTemplate(repl string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(repl); i++ {
		c := repl[i]
		if c == '$' {
			b.WriteString("$$")
			continue
		}
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 == len(repl) {
			return "", errors.New("trailing backslash")
		}

		next := repl[i+1]
		switch {
		case next == 'g':
			if i+2 >= len(repl) || repl[i+2] != '<' {
				return "", errors.New(`missing < after \g`)
			}
			end := strings.IndexByte(repl[i+3:], '>')
			if end <= 0 {
				return "", errors.New("bad group reference")
			}
			b.WriteString("${" + repl[i+3:i+3+end] + "}")
			i += 3 + end
		case next == '0':
			j := i + 2
			for j < len(repl) && j < i+4 && isOctal(repl[j]) {
				j++
			}
			v, _ := strconv.ParseUint(repl[i+1:j], 8, 32)
			writeLiteral(&b, rune(v))
			i = j - 1
		case next >= '1' && next <= '9':
			if i+3 < len(repl) && isOctal(next) && isOctal(repl[i+2]) && isOctal(repl[i+3]) {
				v, _ := strconv.ParseUint(repl[i+1:i+4], 8, 32)
				if v > 0o377 {
					return "", fmt.Errorf(`octal escape \%s out of range`, repl[i+1:i+4])
				}
				writeLiteral(&b, rune(v))
				i += 3
				continue
			}
			j := i + 2
			if j < len(repl) && repl[j] >= '0' && repl[j] <= '9' {
				j++
			}
			b.WriteString("${" + repl[i+1:j] + "}")
			i = j - 1
		default:
			if r, ok := pythonEscapes[next]; ok {
				writeLiteral(&b, r)
			} else if (next >= 'a' && next <= 'z') || (next >= 'A' && next <= 'Z') {
				return "", fmt.Errorf(`bad escape \%c`, next)
			} else {
				b.WriteByte('\\')
				b.WriteByte(next)
			}
			i++
		}
	}
	return b.String(), nil
}

func writeLiteral(b *strings.Builder, r rune) {
	if r == '$' {
		b.WriteString("$$")
		return
	}
	b.WriteRune(r)
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}
