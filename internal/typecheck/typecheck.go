// Package typecheck validates scripts before the sandbox runs them. LLM
// clients routinely emit TypeScript, so the checker accepts type
// annotations, verifies them against literal initializers and the
// generated type surface, strips them, and parses the result for syntax
// errors. Positions refer to the original source; stripping replaces
// annotations with spaces so lines and columns survive.
package typecheck

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

// Diagnostic is one finding, positioned 1-based in the checked source.
type Diagnostic struct {
	Line    int
	Column  int
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("Line %d, Column %d: %s", d.Line, d.Column, d.Message)
}

// Format joins diagnostics one per line for a tool error payload.
func Format(diags []Diagnostic) string {
	lines := make([]string, len(diags))
	for i, d := range diags {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}

// Result carries the findings and the annotation-free source that the
// sandbox should execute when the findings are empty.
type Result struct {
	Diagnostics []Diagnostic
	Stripped    string
}

// Check validates src against the generated type surface. It flags
// annotation/initializer mismatches, annotations naming types the surface
// does not declare, syntax errors, and sources that are not a function
// expression of at most one parameter.
func Check(src, typeText string) Result {
	stripped, annotations := strip(src)
	declared := declaredTypeNames(typeText)

	var diags []Diagnostic
	for _, a := range annotations {
		diags = append(diags, a.check(src, declared)...)
	}

	program, parseDiags := parseExpression(stripped)
	diags = append(diags, parseDiags...)
	if program != nil {
		diags = append(diags, checkFunctionExpression(program)...)
	}
	return Result{Diagnostics: diags, Stripped: stripped}
}

// CheckTypeText sanity-checks a generated type surface. A failure here is
// a bug in the generator, not in any client input.
func CheckTypeText(typeText string) error {
	depth := 0
	for i := 0; i < len(typeText); i++ {
		switch typeText[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				line, col := position(typeText, i)
				return fmt.Errorf("type surface has an unmatched '}' at line %d, column %d", line, col)
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("type surface has %d unclosed braces", depth)
	}
	if !strings.Contains(typeText, "declare") {
		return fmt.Errorf("type surface declares no bindings")
	}
	return nil
}

// parseExpression parses src as a parenthesized expression so that
// anonymous classic functions are legal at top level. Diagnostics are
// re-based onto the unwrapped source.
func parseExpression(src string) (*ast.Program, []Diagnostic) {
	program, err := parser.ParseFile(nil, "", "("+src+"\n)", 0)
	if err == nil {
		return program, nil
	}
	var diags []Diagnostic
	if list, ok := err.(parser.ErrorList); ok {
		for _, e := range list {
			line, col := e.Position.Line, e.Position.Column
			if line == 1 && col > 1 {
				col--
			}
			diags = append(diags, Diagnostic{Line: line, Column: col, Message: strings.TrimSpace(e.Message)})
		}
	} else {
		diags = append(diags, Diagnostic{Line: 1, Column: 1, Message: err.Error()})
	}
	return nil, diags
}

func checkFunctionExpression(program *ast.Program) []Diagnostic {
	if len(program.Body) == 0 {
		return []Diagnostic{{Line: 1, Column: 1, Message: "code must be a function expression"}}
	}
	stmt, ok := program.Body[0].(*ast.ExpressionStatement)
	if !ok {
		return []Diagnostic{{Line: 1, Column: 1, Message: "code must be a function expression, not a statement"}}
	}
	var params int
	switch fn := stmt.Expression.(type) {
	case *ast.FunctionLiteral:
		params = len(fn.ParameterList.List)
	case *ast.ArrowFunctionLiteral:
		params = len(fn.ParameterList.List)
	default:
		return []Diagnostic{{Line: 1, Column: 1, Message: "code must be a function expression (arrow or classic)"}}
	}
	if params > 1 {
		return []Diagnostic{{Line: 1, Column: 1,
			Message: fmt.Sprintf("function must accept zero or one argument, got %d parameters", params)}}
	}
	return nil
}

var typeNameRe = regexp.MustCompile(`(?m)^\s*(?:declare\s+(?:const|function)\s+|interface\s+|type\s+)([A-Za-z_$][A-Za-z0-9_$]*)`)

// declaredTypeNames extracts every identifier the type surface declares.
func declaredTypeNames(typeText string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, m := range typeNameRe.FindAllStringSubmatch(typeText, -1) {
		out[m[1]] = struct{}{}
	}
	return out
}

// builtinTypeNames are always resolvable in annotations regardless of the
// generated surface.
var builtinTypeNames = map[string]struct{}{
	"any": {}, "unknown": {}, "never": {}, "void": {},
	"number": {}, "string": {}, "boolean": {}, "object": {},
	"null": {}, "undefined": {},
	"Promise": {}, "Array": {}, "Record": {}, "Partial": {}, "Readonly": {},
	"Map": {}, "Set": {}, "Date": {}, "RegExp": {}, "Error": {}, "Function": {},
}

func position(src string, offset int) (line, col int) {
	line, col = 1, 1
	for i := 0; i < offset && i < len(src); i++ {
		if src[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}
