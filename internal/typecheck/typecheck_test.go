package typecheck

import (
	"strings"
	"testing"
)

const surface = `interface FilesystemListDirectoryInput {
  path: string;
}

declare const filesystem: {
  listDirectory(input: FilesystemListDirectoryInput): ToolPromise;
};
`

func TestCheckAcceptsPlainFunctions(t *testing.T) {
	t.Parallel()

	cases := []string{
		"() => 42",
		"(x) => x + 1",
		"async () => { return 1; }",
		"function (a) { return a; }",
		"async function () { return null; }",
		"() => { const r = filesystem.listDirectory({ path: '/tmp' }); return r; }",
	}
	for _, src := range cases {
		res := Check(src, surface)
		if len(res.Diagnostics) != 0 {
			t.Errorf("Check(%q) diagnostics = %v, want none", src, res.Diagnostics)
		}
		if res.Stripped != src {
			t.Errorf("Check(%q) stripped = %q, want unchanged", src, res.Stripped)
		}
	}
}

func TestCheckStripsAnnotations(t *testing.T) {
	t.Parallel()

	cases := []struct {
		src        string
		annotation string
	}{
		{"(a: number) => a + 1", ": number"},
		{"(a?: string) => a", "?: string"},
		{"(): number => 7", ": number "},
		{"() => { const n: number = 1; return n; }", ": number "},
		{"() => { const s: string = 'x'; return s; }", ": string "},
	}
	for _, tc := range cases {
		res := Check(tc.src, surface)
		if len(res.Diagnostics) != 0 {
			t.Errorf("Check(%q) diagnostics = %v, want none", tc.src, res.Diagnostics)
		}
		want := strings.Replace(tc.src, tc.annotation, strings.Repeat(" ", len(tc.annotation)), 1)
		if res.Stripped != want {
			t.Errorf("Check(%q) stripped = %q, want %q", tc.src, res.Stripped, want)
		}
		if len(res.Stripped) != len(tc.src) {
			t.Errorf("Check(%q) changed length %d -> %d", tc.src, len(tc.src), len(res.Stripped))
		}
	}
}

func TestCheckLeavesRuntimeColonsAlone(t *testing.T) {
	t.Parallel()

	cases := []string{
		"() => ({ path: '/tmp' })",
		"(x) => x ? 'yes' : 'no'",
		"() => { const o = { a: 1, b: 2 }; return o.a; }",
		"() => `value: ${1 + 1}`",
		"() => 'a: b'",
		"() => { // note: keep\n return 1; }",
	}
	for _, src := range cases {
		res := Check(src, surface)
		if len(res.Diagnostics) != 0 {
			t.Errorf("Check(%q) diagnostics = %v, want none", src, res.Diagnostics)
		}
		if res.Stripped != src {
			t.Errorf("Check(%q) stripped = %q, want unchanged", src, res.Stripped)
		}
	}
}

func TestCheckFlagsTypeMismatch(t *testing.T) {
	t.Parallel()

	res := Check("() => { const x: number = 'five'; return x; }", surface)
	if len(res.Diagnostics) != 1 {
		t.Fatalf("diagnostics = %v, want exactly one", res.Diagnostics)
	}
	d := res.Diagnostics[0]
	if d.Message != "Type 'string' is not assignable to type 'number'." {
		t.Fatalf("message = %q", d.Message)
	}
	if d.Line != 1 {
		t.Fatalf("line = %d, want 1", d.Line)
	}
}

func TestCheckFlagsUnknownTypeName(t *testing.T) {
	t.Parallel()

	res := Check("(a: Widget) => a", surface)
	if len(res.Diagnostics) != 1 {
		t.Fatalf("diagnostics = %v, want exactly one", res.Diagnostics)
	}
	if res.Diagnostics[0].Message != "Cannot find name 'Widget'." {
		t.Fatalf("message = %q", res.Diagnostics[0].Message)
	}

	res = Check("(a: FilesystemListDirectoryInput) => a", surface)
	if len(res.Diagnostics) != 0 {
		t.Fatalf("declared name flagged: %v", res.Diagnostics)
	}
}

func TestCheckFlagsSyntaxErrors(t *testing.T) {
	t.Parallel()

	res := Check("() => {", surface)
	if len(res.Diagnostics) == 0 {
		t.Fatal("unterminated body produced no diagnostics")
	}
}

func TestCheckRequiresFunctionExpression(t *testing.T) {
	t.Parallel()

	cases := []struct {
		src     string
		wantSub string
	}{
		{"1 + 2", "function expression"},
		{"(a, b) => a + b", "zero or one argument"},
	}
	for _, tc := range cases {
		res := Check(tc.src, surface)
		if len(res.Diagnostics) == 0 {
			t.Errorf("Check(%q) produced no diagnostics", tc.src)
			continue
		}
		if !strings.Contains(res.Diagnostics[0].Message, tc.wantSub) {
			t.Errorf("Check(%q) message = %q, want substring %q", tc.src, res.Diagnostics[0].Message, tc.wantSub)
		}
	}
}

func TestDiagnosticFormat(t *testing.T) {
	t.Parallel()

	diags := []Diagnostic{
		{Line: 3, Column: 9, Message: "Cannot find name 'Widget'."},
		{Line: 4, Column: 1, Message: "Type 'string' is not assignable to type 'number'."},
	}
	got := Format(diags)
	want := "Line 3, Column 9: Cannot find name 'Widget'.\n" +
		"Line 4, Column 1: Type 'string' is not assignable to type 'number'."
	if got != want {
		t.Fatalf("Format = %q, want %q", got, want)
	}
}

func TestCheckTypeText(t *testing.T) {
	t.Parallel()

	if err := CheckTypeText(surface); err != nil {
		t.Fatalf("valid surface rejected: %v", err)
	}
	if err := CheckTypeText("declare const x: { a: string; "); err == nil {
		t.Fatal("unclosed brace accepted")
	}
	if err := CheckTypeText("declare const x: { a: string; } }"); err == nil {
		t.Fatal("unmatched closing brace accepted")
	}
	if err := CheckTypeText("{ }"); err == nil {
		t.Fatal("surface without declarations accepted")
	}
}

func TestPositionTracksLines(t *testing.T) {
	t.Parallel()

	src := "() => {\n  const x: number = 'no';\n  return x;\n}"
	res := Check(src, surface)
	if len(res.Diagnostics) != 1 {
		t.Fatalf("diagnostics = %v, want one", res.Diagnostics)
	}
	if res.Diagnostics[0].Line != 2 {
		t.Fatalf("line = %d, want 2", res.Diagnostics[0].Line)
	}
}
