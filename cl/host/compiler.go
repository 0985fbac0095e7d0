package host

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// This file implements the "front-end" of the host compiler: it doesn't compile OpenCL C, it only checks the source
// is well-formed enough to find its entry points, which are then linked to Go implementations.

// kernelDeclRegexp matches a kernel entry point declaration, capturing its name.
var kernelDeclRegexp = regexp.MustCompile(`\b(?:__kernel|kernel)\s+void\s+([A-Za-z_]\w*)\s*\(`)

// diagnostic is one entry of a build log.
type diagnostic struct {
	line, col int
	msg       string
}

func (d diagnostic) String() string {
	if d.line == 0 {
		return "error: " + d.msg
	}
	return fmt.Sprintf("<source>:%d:%d: error: %s", d.line, d.col, d.msg)
}

// stripComments returns the source with comments, string and character literals replaced by spaces. New lines are
// preserved, so positions stay the same.
func stripComments(source []byte) []byte {
	out := make([]byte, len(source))
	copy(out, source)
	const (
		code = iota
		lineComment
		blockComment
		stringLit
		charLit
	)
	state := code
	blank := func(i int) {
		if out[i] != '\n' {
			out[i] = ' '
		}
	}
	for i := 0; i < len(source); i++ {
		c := source[i]
		var next byte
		if i+1 < len(source) {
			next = source[i+1]
		}
		switch state {
		case code:
			switch {
			case c == '/' && next == '/':
				state = lineComment
				blank(i)
			case c == '/' && next == '*':
				state = blockComment
				blank(i)
				blank(i + 1)
				i++
			case c == '"':
				state = stringLit
			case c == '\'':
				state = charLit
			}
		case lineComment:
			if c == '\n' {
				state = code
			} else {
				blank(i)
			}
		case blockComment:
			blank(i)
			if c == '*' && next == '/' {
				blank(i + 1)
				i++
				state = code
			}
		case stringLit, charLit:
			quote := byte('"')
			if state == charLit {
				quote = '\''
			}
			switch {
			case c == '\\' && next != 0:
				blank(i)
				blank(i + 1)
				i++
			case c == quote:
				state = code
			case c == '\n':
				// Unterminated literal: resume at the next line.
				state = code
			default:
				blank(i)
			}
		}
	}
	return out
}

// scanSource returns the kernel entry points declared in source, and the diagnostics of the problems found.
func scanSource(source []byte) (entryPoints []string, diags []diagnostic) {
	clean := stripComments(source)

	// Preprocessor: only #error is interpreted.
	for lineIdx, line := range strings.Split(string(clean), "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		directive := strings.TrimSpace(trimmed[1:])
		if strings.HasPrefix(directive, "error") {
			msg := strings.TrimSpace(strings.TrimPrefix(directive, "error"))
			// Recover the message text from the original, since literals were blanked.
			original := strings.Split(string(source), "\n")[lineIdx]
			if idx := strings.Index(original, "error"); idx >= 0 {
				msg = strings.TrimSpace(original[idx+len("error"):])
			}
			diags = append(diags, diagnostic{lineIdx + 1, strings.Index(line, "#") + 1, "#error " + msg})
		}
	}

	// Delimiters.
	type open struct {
		c         byte
		line, col int
	}
	closing := map[byte]byte{')': '(', ']': '[', '}': '{'}
	var stack []open
	line, col := 1, 0
	for _, c := range clean {
		col++
		switch c {
		case '\n':
			line++
			col = 0
		case '(', '[', '{':
			stack = append(stack, open{c, line, col})
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1].c != closing[c] {
				diags = append(diags, diagnostic{line, col, fmt.Sprintf("extraneous closing '%c'", c)})
				continue
			}
			stack = stack[:len(stack)-1]
		}
	}
	for _, o := range stack {
		diags = append(diags, diagnostic{o.line, o.col, fmt.Sprintf("unmatched '%c'", o.c)})
	}

	// Entry points.
	seen := make(map[string]bool)
	for _, match := range kernelDeclRegexp.FindAllSubmatchIndex(clean, -1) {
		name := string(clean[match[2]:match[3]])
		if seen[name] {
			l, c := position(clean, match[2])
			diags = append(diags, diagnostic{l, c, fmt.Sprintf("redefinition of kernel %q", name)})
			continue
		}
		seen[name] = true
		entryPoints = append(entryPoints, name)
	}
	return
}

// position returns the 1-based line and column of the byte offset.
func position(source []byte, offset int) (line, col int) {
	line = 1 + strings.Count(string(source[:offset]), "\n")
	col = offset - strings.LastIndexByte(string(source[:offset]), '\n')
	return
}

// validateOptions checks build options: every token must be a flag, except the argument following "-D" or "-I".
func validateOptions(options string) error {
	tokens := strings.Fields(options)
	for ii := 0; ii < len(tokens); ii++ {
		token := tokens[ii]
		if !strings.HasPrefix(token, "-") || token == "-" {
			return errors.Errorf("invalid build option %q", token)
		}
		if token == "-D" || token == "-I" {
			if ii+1 >= len(tokens) {
				return errors.Errorf("build option %q requires an argument", token)
			}
			ii++
		}
	}
	return nil
}

// buildLog formats diagnostics as a compiler log.
func buildLog(diags []diagnostic) string {
	var sb strings.Builder
	for _, d := range diags {
		sb.WriteString(d.String())
		sb.WriteByte('\n')
	}
	if len(diags) == 1 {
		sb.WriteString("1 error generated.\n")
	} else {
		fmt.Fprintf(&sb, "%d errors generated.\n", len(diags))
	}
	return sb.String()
}
