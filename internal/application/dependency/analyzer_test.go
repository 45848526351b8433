package dependency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func extract(t *testing.T, source string) (SymbolSet, SymbolSet) {
	t.Helper()
	return NewAnalyzer().Extract(source)
}

func TestExtract_DefinedVars(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		source  string
		defined []string
	}{
		{
			name:    "simple assignment",
			source:  "x = 1",
			defined: []string{"x"},
		},
		{
			name:    "multiple assignments",
			source:  "x = 1\ny = 2",
			defined: []string{"x", "y"},
		},
		{
			name:    "tuple unpacking",
			source:  "x, y = 1, 2",
			defined: []string{"x", "y"},
		},
		{
			name:    "starred target",
			source:  "x, *rest = [1, 2, 3]",
			defined: []string{"x", "rest"},
		},
		{
			name:    "augmented assignment",
			source:  "x += 1",
			defined: []string{"x"},
		},
		{
			name:    "annotated assignment",
			source:  "x: int = 1",
			defined: []string{"x"},
		},
		{
			name:    "function definition",
			source:  "def foo():\n    pass",
			defined: []string{"foo"},
		},
		{
			name:    "async function definition",
			source:  "async def fetch():\n    pass",
			defined: []string{"fetch"},
		},
		{
			name:    "class definition",
			source:  "class Foo:\n    pass",
			defined: []string{"Foo"},
		},
		{
			name:    "for loop variable",
			source:  "for i in range(10):\n    pass",
			defined: []string{"i"},
		},
		{
			name:    "with statement variable",
			source:  "with open('f') as fh:\n    pass",
			defined: []string{"fh"},
		},
		{
			name:    "import statement",
			source:  "import os",
			defined: []string{"os"},
		},
		{
			name:    "dotted import keeps first segment",
			source:  "import os.path",
			defined: []string{"os"},
		},
		{
			name:    "import as",
			source:  "import numpy as np",
			defined: []string{"np"},
		},
		{
			name:    "from import",
			source:  "from math import sqrt",
			defined: []string{"sqrt"},
		},
		{
			name:    "from import as",
			source:  "from math import sqrt as root",
			defined: []string{"root"},
		},
		{
			name:    "wildcard import contributes nothing",
			source:  "from math import *",
			defined: []string{},
		},
		{
			name:    "comprehension binder excluded",
			source:  "squares = [i * i for i in numbers]",
			defined: []string{"squares"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defined, _ := extract(t, tt.source)
			assert.ElementsMatch(t, tt.defined, defined.Names())
		})
	}
}

func TestExtract_SyntaxErrorReturnsEmpty(t *testing.T) {
	t.Parallel()

	defined, used := extract(t, "x = = = 1")
	assert.Empty(t, defined)
	assert.Empty(t, used)
}

func TestExtract_EmptyCode(t *testing.T) {
	t.Parallel()

	defined, used := extract(t, "")
	assert.Empty(t, defined)
	assert.Empty(t, used)

	defined, used = extract(t, "   \n\t\n")
	assert.Empty(t, defined)
	assert.Empty(t, used)
}

func TestExtract_PrivateVarsFiltered(t *testing.T) {
	t.Parallel()

	defined, used := extract(t, "_private = 1\npublic = _private + _other")
	assert.ElementsMatch(t, []string{"public"}, defined.Names())
	assert.Empty(t, used, "underscore names never appear in used")
}

func TestExtract_UsedVars(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		source string
		used   []string
	}{
		{
			name:   "simple usage",
			source: "y = x + 1",
			used:   []string{"x"},
		},
		{
			name:   "multiple usages",
			source: "z = x + y",
			used:   []string{"x", "y"},
		},
		{
			name:   "function call argument",
			source: "result = compute(data)",
			used:   []string{"compute", "data"},
		},
		{
			name:   "builtins filtered",
			source: "n = len(items)",
			used:   []string{"items"},
		},
		{
			name:   "print filtered",
			source: "print(value)",
			used:   []string{"value"},
		},
		{
			name:   "attribute member not used",
			source: "y = obj.attr",
			used:   []string{"obj"},
		},
		{
			name:   "keyword argument name not used",
			source: "plot(data, color=style)",
			used:   []string{"plot", "data", "style"},
		},
		{
			name:   "subscript store target reads container",
			source: "a[i] = x",
			used:   []string{"a", "i", "x"},
		},
		{
			name:   "augmented target not read",
			source: "x += 1",
			used:   []string{},
		},
		{
			name:   "self assignment reads rhs only",
			source: "x = x + 1",
			used:   []string{"x"},
		},
		{
			// The binder is excluded from defined, not from reads of it
			// inside the comprehension body; with no definer it links to
			// nothing.
			name:   "comprehension iterable is read",
			source: "squares = [i * i for i in numbers]",
			used:   []string{"i", "numbers"},
		},
		{
			// Parameter names are not reads, but the body's references to
			// them are collected like any other identifier; with no
			// cross-cell definer they link to nothing.
			name:   "default parameter value is read",
			source: "def f(a, b=base):\n    return a + b",
			used:   []string{"a", "b", "base"},
		},
		{
			name:   "names inside function body are read",
			source: "def f():\n    return shared + 1",
			used:   []string{"shared"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, used := extract(t, tt.source)
			assert.ElementsMatch(t, tt.used, used.Names())
		})
	}
}

func TestExtract_SelfAssignmentDefinesAndUses(t *testing.T) {
	t.Parallel()

	defined, used := extract(t, "x = x + 1")
	assert.True(t, defined.Contains("x"))
	assert.True(t, used.Contains("x"))
}

func TestAnalyzer_SetBuiltins(t *testing.T) {
	t.Parallel()

	a := NewAnalyzer()
	_, used := a.Extract("y = custom_fn(x)")
	assert.True(t, used.Contains("custom_fn"))

	a.SetBuiltins([]string{"custom_fn"})
	_, used = a.Extract("y = custom_fn(x)")
	assert.False(t, used.Contains("custom_fn"))
	assert.True(t, used.Contains("x"))
}
