package vocab

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Engine normalizes finalized utterances with deterministic substitutions
// loaded from a vocabulary file. Speech recognizers routinely mangle project
// jargon ("cube control" for kubectl); the vocabulary file lets an operator
// pin the spelling before a command is dispatched.
//
// Two line forms are supported:
//
//	misheard => replacement        case-insensitive literal
//	s/pattern/replacement/flags    sed-style regex (flags: i g m s)
//
// Blank lines and lines starting with # are ignored. A missing file is an
// empty vocabulary, which leaves text untouched.
type Engine struct {
	subs      []substitution
	loopLimit int
}

type substitution interface {
	apply(input string) (output string, changed bool)
}

// NewEngine loads and compiles the vocabulary at path.
func NewEngine(path string, loopLimit int) (*Engine, error) {
	if loopLimit <= 0 {
		loopLimit = 30
	}
	if strings.TrimSpace(path) == "" {
		return &Engine{loopLimit: loopLimit}, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Engine{loopLimit: loopLimit}, nil
		}
		return nil, fmt.Errorf("failed to read vocabulary file %q: %w", path, err)
	}

	subs, err := parseVocabulary(string(contents))
	if err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary file %q: %w", path, err)
	}

	return &Engine{subs: subs, loopLimit: loopLimit}, nil
}

// Normalize rewrites text until the vocabulary reaches a fixed point or the
// iteration limit stops a rewrite cycle.
func (e *Engine) Normalize(text string) (string, error) {
	if len(e.subs) == 0 {
		return text, nil
	}

	result := text
	for i := 0; i < e.loopLimit; i++ {
		changed := false
		for _, sub := range e.subs {
			next, subChanged := sub.apply(result)
			if subChanged {
				result = next
				changed = true
			}
		}
		if !changed {
			return result, nil
		}
	}

	return result, nil
}

func parseVocabulary(contents string) ([]substitution, error) {
	lines := strings.Split(contents, "\n")
	subs := make([]substitution, 0, len(lines))

	for index, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var (
			sub substitution
			err error
		)
		switch {
		case looksLikeRegexLine(line):
			sub, err = parseRegexLine(line)
		case strings.Contains(line, "=>"):
			sub, err = parseLiteralLine(line)
		default:
			err = errors.New("unsupported vocabulary format")
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", index+1, err)
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

type literalSub struct {
	replacement string
	re          *regexp.Regexp
}

func parseLiteralLine(line string) (substitution, error) {
	parts := strings.SplitN(line, "=>", 2)
	if len(parts) != 2 {
		return nil, errors.New("invalid literal entry")
	}
	from := strings.TrimSpace(parts[0])
	to := strings.TrimSpace(parts[1])
	if from == "" {
		return nil, errors.New("literal source cannot be empty")
	}

	// Spoken text carries no reliable casing, so literals always match
	// case-insensitively.
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(from))
	if err != nil {
		return nil, fmt.Errorf("invalid literal source: %w", err)
	}

	return literalSub{replacement: to, re: re}, nil
}

func (s literalSub) apply(input string) (string, bool) {
	output := s.re.ReplaceAllString(input, s.replacement)
	return output, output != input
}

type regexSub struct {
	re          *regexp.Regexp
	replacement string
	global      bool
}

func parseRegexLine(line string) (substitution, error) {
	if len(line) < 2 {
		return nil, errors.New("invalid regex entry")
	}
	delim := line[1]
	if isAlphaNumericOrSpace(delim) {
		return nil, errors.New("regex delimiter must be non-alphanumeric")
	}

	pattern, pos, err := parseDelimited(line, 2, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	replacement, pos, err := parseDelimited(line, pos, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid regex replacement: %w", err)
	}
	flags := strings.TrimSpace(line[pos:])

	ignoreCase := true
	global := false
	multiLine := false
	dotAll := false
	for _, flag := range flags {
		switch flag {
		case 'i':
			ignoreCase = true
		case 'g':
			global = true
		case 'm':
			multiLine = true
		case 's':
			dotAll = true
		case ' ':
			continue
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", flag)
		}
	}

	prefixFlags := ""
	if ignoreCase {
		prefixFlags += "i"
	}
	if multiLine {
		prefixFlags += "m"
	}
	if dotAll {
		prefixFlags += "s"
	}
	if prefixFlags != "" {
		pattern = "(?" + prefixFlags + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}

	return regexSub{re: re, replacement: replacement, global: global}, nil
}

func (s regexSub) apply(input string) (string, bool) {
	if s.global {
		output := s.re.ReplaceAllString(input, s.replacement)
		return output, output != input
	}

	loc := s.re.FindStringIndex(input)
	if loc == nil {
		return input, false
	}

	segment := input[loc[0]:loc[1]]
	replaced := s.re.ReplaceAllString(segment, s.replacement)
	output := input[:loc[0]] + replaced + input[loc[1]:]
	return output, output != input
}

func parseDelimited(line string, start int, delim byte) (string, int, error) {
	if start >= len(line) {
		return "", 0, errors.New("unexpected end of expression")
	}

	var builder strings.Builder
	escaped := false
	for index := start; index < len(line); index++ {
		char := line[index]
		if escaped {
			builder.WriteByte(char)
			escaped = false
			continue
		}
		if char == '\\' {
			escaped = true
			builder.WriteByte(char)
			continue
		}
		if char == delim {
			return builder.String(), index + 1, nil
		}
		builder.WriteByte(char)
	}
	return "", 0, errors.New("unterminated expression")
}

func isAlphaNumericOrSpace(char byte) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == ' ' || char == '\t'
}

func looksLikeRegexLine(line string) bool {
	return len(line) > 1 && line[0] == 's' && !isAlphaNumericOrSpace(line[1])
}
