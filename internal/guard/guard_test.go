package guard

import (
	"strconv"
	"strings"
	"testing"
)

const addFixPatch = `diff --git a/src/calc.py b/src/calc.py
--- a/src/calc.py
+++ b/src/calc.py
@@ -1,2 +1,2 @@
 def add(a, b):
-    return a - b
+    return a + b
`

const testFilePatch = `diff --git a/tests/test_calc.py b/tests/test_calc.py
--- a/tests/test_calc.py
+++ b/tests/test_calc.py
@@ -1,2 +1,2 @@
 def test_add():
-    assert add(2, 3) == 5
+    assert add(2, 3) == 6
`

const secretPatch = `diff --git a/src/config.py b/src/config.py
--- a/src/config.py
+++ b/src/config.py
@@ -1,1 +1,2 @@
 DEBUG = True
+API_KEY = "sk-abcdefghijklmnopqrstuvwxyz123456"
`

const emptyEffectPatch = `diff --git a/src/calc.py b/src/calc.py
--- a/src/calc.py
+++ b/src/calc.py
@@ -1,2 +1,2 @@
 def add(a, b):
-    return a + b
+    return a + b
`

// sizedPatch builds a syntactically valid single-file patch with exactly n
// added lines, for the boundary tests on max_patch_lines.
func sizedPatch(n int) string {
	var b strings.Builder
	b.WriteString("diff --git a/src/big.py b/src/big.py\n--- a/src/big.py\n+++ b/src/big.py\n")
	b.WriteString("@@ -0,0 +1," + strconv.Itoa(n) + " @@\n")
	for i := 0; i < n; i++ {
		b.WriteString("+x = 1\n")
	}
	return b.String()
}

func TestGuard_Validate_ApprovesMinimalFix(t *testing.T) {
	g := New(DefaultPolicy())
	r := g.Validate(addFixPatch)
	if !r.OK {
		t.Fatalf("expected approval, got violations: %v", r.Violations)
	}
	if r.Parsed == nil || len(r.Parsed.Files) != 1 {
		t.Fatalf("expected one parsed file, got %+v", r.Parsed)
	}
}

func TestGuard_Validate_RejectsTestFileScope(t *testing.T) {
	g := New(DefaultPolicy())
	r := g.Validate(testFilePatch)
	if r.OK {
		t.Fatal("expected scope rejection for a test-file patch")
	}
	found := false
	for _, v := range r.Violations {
		if strings.HasPrefix(v, "scope:") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a scope violation, got %v", r.Violations)
	}
}

func TestGuard_Validate_RejectsSecretLiteral(t *testing.T) {
	g := New(DefaultPolicy())
	r := g.Validate(secretPatch)
	if r.OK {
		t.Fatal("expected content rejection for a hard-coded secret")
	}
	found := false
	for _, v := range r.Violations {
		if strings.HasPrefix(v, "content:") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a content violation, got %v", r.Violations)
	}
}

func TestGuard_Validate_RejectsEmptyEffect(t *testing.T) {
	g := New(DefaultPolicy())
	r := g.Validate(emptyEffectPatch)
	if r.OK {
		t.Fatal("expected idempotence rejection for a no-op patch")
	}
	if len(r.Violations) != 1 || !strings.HasPrefix(r.Violations[0], "idempotence:") {
		t.Fatalf("expected exactly one idempotence violation, got %v", r.Violations)
	}
}

func TestGuard_Validate_SizeCapBoundary(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxPatchLines = 500

	g := New(policy)
	atCap := g.Validate(sizedPatch(500))
	if !atCap.OK {
		t.Fatalf("500 changed lines at max_patch_lines=500 should pass, got %v", atCap.Violations)
	}

	overCap := g.Validate(sizedPatch(501))
	if overCap.OK {
		t.Fatal("501 changed lines should fail when max_patch_lines=500")
	}
	found := false
	for _, v := range overCap.Violations {
		if strings.HasPrefix(v, "size:") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a size violation, got %v", overCap.Violations)
	}
}

func TestGuard_Validate_MaxFilesBoundary(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxFiles = 1
	policy.MaxPatchLines = 10_000

	g := New(policy)
	two := sizedPatch(1) + sizedPatch(1)
	r := g.Validate(two)
	if r.OK {
		t.Fatal("two touched files should fail when max_files=1")
	}
}

func TestGuard_Validate_RejectsDeletion(t *testing.T) {
	g := New(DefaultPolicy())
	del := `diff --git a/src/old.py b/src/old.py
--- a/src/old.py
+++ /dev/null
@@ -1,1 +0,0 @@
-x = 1
`
	r := g.Validate(del)
	if r.OK {
		t.Fatal("deletion should be rejected")
	}
}

func TestGuard_Validate_GuardNormalizeIdempotent(t *testing.T) {
	g := New(DefaultPolicy())
	once := g.Validate(addFixPatch)
	twice := g.Validate(once.NormalizedText)
	if once.OK != twice.OK {
		t.Fatalf("Validate(normalize(normalize(p))) should equal Validate(normalize(p)): %v vs %v", once.OK, twice.OK)
	}
}

func TestGuard_Validate_RejectsMalformedFormat(t *testing.T) {
	g := New(DefaultPolicy())
	r := g.Validate("this is not a diff at all")
	if r.OK {
		t.Fatal("expected a format rejection")
	}
	if len(r.Violations) != 1 || !strings.HasPrefix(r.Violations[0], "format:") {
		t.Fatalf("expected exactly one format violation, got %v", r.Violations)
	}
}
