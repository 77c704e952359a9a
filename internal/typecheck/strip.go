package typecheck

import (
	"fmt"
	"strings"
)

// annotation records one stripped type annotation so it can be checked
// against its initializer and the declared type names afterwards.
type annotation struct {
	// typeStart/typeEnd bound the annotation text (after the colon).
	typeStart, typeEnd int
	// initStart is the offset of the initializer's first token, or -1
	// when the annotation had none (parameters, return types).
	initStart int
	declName  string
}

func (a annotation) check(src string, declared map[string]struct{}) []Diagnostic {
	typeText := strings.TrimSpace(src[a.typeStart:a.typeEnd])
	var diags []Diagnostic

	if isPlainTypeName(typeText) {
		if _, builtin := builtinTypeNames[typeText]; !builtin {
			if _, ok := declared[typeText]; !ok {
				line, col := position(src, a.typeStart)
				diags = append(diags, Diagnostic{Line: line, Column: col,
					Message: fmt.Sprintf("Cannot find name '%s'.", typeText)})
			}
		}
	}

	if a.initStart >= 0 {
		annotated := primitiveName(typeText)
		literal := literalTypeName(src, a.initStart)
		if annotated != "" && literal != "" && annotated != literal {
			line, col := position(src, a.initStart)
			diags = append(diags, Diagnostic{Line: line, Column: col,
				Message: fmt.Sprintf("Type '%s' is not assignable to type '%s'.", literal, annotated)})
		}
	}
	return diags
}

func isPlainTypeName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		alpha := r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		digit := r >= '0' && r <= '9'
		if !alpha && !(i > 0 && digit) {
			return false
		}
	}
	return true
}

func primitiveName(typeText string) string {
	switch typeText {
	case "number", "string", "boolean":
		return typeText
	}
	return ""
}

// literalTypeName classifies the initializer token at offset, returning
// "" when the expression's type is not evident from its first token.
func literalTypeName(src string, offset int) string {
	for offset < len(src) && (src[offset] == ' ' || src[offset] == '\t') {
		offset++
	}
	if offset >= len(src) {
		return ""
	}
	c := src[offset]
	switch {
	case c == '\'' || c == '"' || c == '`':
		return "string"
	case c >= '0' && c <= '9':
		return "number"
	case c == '-' || c == '.':
		if offset+1 < len(src) && src[offset+1] >= '0' && src[offset+1] <= '9' {
			return "number"
		}
		return ""
	}
	rest := src[offset:]
	switch {
	case hasWordPrefix(rest, "true"), hasWordPrefix(rest, "false"):
		return "boolean"
	case hasWordPrefix(rest, "null"):
		return "null"
	}
	return ""
}

func hasWordPrefix(s, word string) bool {
	if !strings.HasPrefix(s, word) {
		return false
	}
	if len(s) == len(word) {
		return true
	}
	c := s[len(word)]
	return !(c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'))
}

// strip blanks type annotations out of src, preserving every offset, and
// returns the records needed to check them. It recognizes variable
// declarations (const x: T = ...), parameters ((a: T, b?: U) => ...), and
// arrow or function return types ((): T => ...). Annotations inside
// strings, templates, and comments are left alone.
func strip(src string) (string, []annotation) {
	buf := []byte(src)
	var found []annotation
	var stack []byte
	ternary := 0

	top := func() byte {
		if len(stack) == 0 {
			return 0
		}
		return stack[len(stack)-1]
	}

	i := 0
	for i < len(buf) {
		c := buf[i]
		switch {
		case c == '/' && i+1 < len(buf) && buf[i+1] == '/':
			i = skipLineComment(buf, i)
		case c == '/' && i+1 < len(buf) && buf[i+1] == '*':
			i = skipBlockComment(buf, i)
		case c == '\'' || c == '"':
			i = skipString(buf, i)
		case c == '`':
			i = skipTemplate(buf, i)
		case c == '(' || c == '[' || c == '{':
			stack = append(stack, c)
			i++
		case c == ')' || c == ']' || c == '}':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			i++
		case c == '?':
			i = handleQuestion(buf, i, &ternary)
		case c == ':':
			next, ann, ok := handleColon(buf, i, top())
			if ok {
				if ann.typeEnd > ann.typeStart {
					found = append(found, ann)
				}
				i = next
			} else {
				if ternary > 0 {
					ternary--
				}
				i++
			}
		default:
			i++
		}
	}
	return string(buf), found
}

func handleQuestion(buf []byte, i int, ternary *int) int {
	if i+1 < len(buf) {
		switch buf[i+1] {
		case '.', '?':
			// Optional chaining and nullish coalescing.
			return i + 2
		}
	}
	j := i + 1
	for j < len(buf) && (buf[j] == ' ' || buf[j] == '\t') {
		j++
	}
	if j < len(buf) && buf[j] == ':' {
		// Optional-parameter marker; the colon handler consumes it.
		return i + 1
	}
	*ternary++
	return i + 1
}

// handleColon decides whether the colon at i introduces a type annotation
// and, when it does, blanks it. Returns the index to resume at.
func handleColon(buf []byte, i int, enclosing byte) (int, annotation, bool) {
	blankStart := i
	prevEnd := prevNonSpace(buf, i)
	if prevEnd >= 0 && buf[prevEnd] == '?' {
		blankStart = prevEnd
		prevEnd = prevNonSpace(buf, blankStart)
	}

	switch {
	case prevEnd >= 0 && isIdentByte(buf[prevEnd]):
		name, nameStart := identAt(buf, prevEnd)
		before := prevWord(buf, nameStart)
		switch {
		case before == "const" || before == "let" || before == "var":
			return blankDeclaration(buf, blankStart, i, name)
		case enclosing == '(':
			return blankParameter(buf, blankStart, i)
		}
	case prevEnd >= 0 && buf[prevEnd] == ')':
		return blankReturnType(buf, blankStart, i)
	}
	return 0, annotation{}, false
}

// blankDeclaration erases ": T" in "const x: T = init" and records the
// initializer position.
func blankDeclaration(buf []byte, blankStart, colon int, name string) (int, annotation, bool) {
	depth := 0
	j := colon + 1
	for j < len(buf) {
		c := buf[j]
		switch {
		case c == '(' || c == '[' || c == '{' || c == '<':
			depth++
		case c == ')' || c == ']' || c == '}' || c == '>':
			depth--
		case c == '=' && depth <= 0:
			if j+1 < len(buf) && buf[j+1] == '>' {
				j += 2
				continue
			}
			ann := annotation{typeStart: colon + 1, typeEnd: j, initStart: j + 1, declName: name}
			blank(buf, blankStart, j)
			return j, ann, true
		case (c == ';' || c == '\n' || c == ',') && depth <= 0:
			ann := annotation{typeStart: colon + 1, typeEnd: j, initStart: -1, declName: name}
			blank(buf, blankStart, j)
			return j, ann, true
		}
		j++
	}
	return 0, annotation{}, false
}

// blankParameter erases ": T" (or "?: T") inside a parameter list.
func blankParameter(buf []byte, blankStart, colon int) (int, annotation, bool) {
	depth := 0
	j := colon + 1
	for j < len(buf) {
		c := buf[j]
		switch {
		case c == '(' || c == '[' || c == '{' || c == '<':
			depth++
		case c == ')' && depth == 0:
			ann := annotation{typeStart: colon + 1, typeEnd: j, initStart: -1}
			blank(buf, blankStart, j)
			return j, ann, true
		case c == ')' || c == ']' || c == '}' || c == '>':
			depth--
		case (c == ',' || c == '=') && depth == 0:
			if c == '=' && j+1 < len(buf) && buf[j+1] == '>' {
				j += 2
				continue
			}
			ann := annotation{typeStart: colon + 1, typeEnd: j, initStart: -1}
			blank(buf, blankStart, j)
			return j, ann, true
		}
		j++
	}
	return 0, annotation{}, false
}

// blankReturnType erases ": T" between a parameter list and "=>" or a
// function body. A colon after ')' that reaches neither is a ternary arm
// and stays.
func blankReturnType(buf []byte, blankStart, colon int) (int, annotation, bool) {
	depth := 0
	j := colon + 1
	for j < len(buf) {
		c := buf[j]
		switch {
		case c == '=' && j+1 < len(buf) && buf[j+1] == '>' && depth == 0:
			ann := annotation{typeStart: colon + 1, typeEnd: j, initStart: -1}
			blank(buf, blankStart, j)
			return j, ann, true
		case c == '{' && depth == 0:
			ann := annotation{typeStart: colon + 1, typeEnd: j, initStart: -1}
			blank(buf, blankStart, j)
			return j, ann, true
		case c == '(' || c == '[' || c == '<':
			depth++
		case c == ')' || c == ']' || c == '>':
			depth--
		case c == '{':
			depth++
		case c == '}':
			depth--
		case (c == ';' || c == ',' || c == '\n') && depth <= 0:
			return 0, annotation{}, false
		}
		j++
	}
	return 0, annotation{}, false
}

func blank(buf []byte, from, to int) {
	for k := from; k < to; k++ {
		if buf[k] != '\n' {
			buf[k] = ' '
		}
	}
}

func prevNonSpace(buf []byte, i int) int {
	for j := i - 1; j >= 0; j-- {
		if buf[j] != ' ' && buf[j] != '\t' && buf[j] != '\n' && buf[j] != '\r' {
			return j
		}
	}
	return -1
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// identAt returns the identifier ending at end and the offset of its
// first byte.
func identAt(buf []byte, end int) (string, int) {
	start := end
	for start > 0 && isIdentByte(buf[start-1]) {
		start--
	}
	return string(buf[start : end+1]), start
}

// prevWord returns the identifier token immediately before offset.
func prevWord(buf []byte, offset int) string {
	end := prevNonSpace(buf, offset)
	if end < 0 || !isIdentByte(buf[end]) {
		return ""
	}
	word, _ := identAt(buf, end)
	return word
}

func skipLineComment(buf []byte, i int) int {
	for i < len(buf) && buf[i] != '\n' {
		i++
	}
	return i
}

func skipBlockComment(buf []byte, i int) int {
	i += 2
	for i+1 < len(buf) {
		if buf[i] == '*' && buf[i+1] == '/' {
			return i + 2
		}
		i++
	}
	return len(buf)
}

func skipString(buf []byte, i int) int {
	quote := buf[i]
	i++
	for i < len(buf) {
		switch buf[i] {
		case '\\':
			i += 2
			continue
		case quote, '\n':
			return i + 1
		}
		i++
	}
	return i
}

// skipTemplate treats a template literal, interpolations included, as
// opaque text.
func skipTemplate(buf []byte, i int) int {
	i++
	depth := 0
	for i < len(buf) {
		switch {
		case buf[i] == '\\':
			i += 2
			continue
		case buf[i] == '$' && i+1 < len(buf) && buf[i+1] == '{':
			depth++
			i += 2
			continue
		case buf[i] == '}' && depth > 0:
			depth--
		case buf[i] == '`' && depth == 0:
			return i + 1
		}
		i++
	}
	return i
}
