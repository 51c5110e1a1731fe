package patch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplier_FallbackWrite_TolerantContextMatch(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	// Real file has extra leading blank lines compared to the patch's
	// recorded OldStart, so a strict line-number apply would miss; the
	// tolerant matcher must still find the context by content.
	content := "\n\ndef add(a, b):\n    return a - b\n"
	if err := os.WriteFile(filepath.Join(dir, "src", "calc.py"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	a := &Applier{RepoDir: dir}
	p, err := Parse(calcPatch)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.fallbackWrite(p); err != nil {
		t.Fatalf("fallbackWrite: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "src", "calc.py"))
	if err != nil {
		t.Fatal(err)
	}
	want := "\n\ndef add(a, b):\n    return a + b\n"
	if string(got) != want {
		t.Fatalf("content = %q, want %q", got, want)
	}
}

func TestApplier_FallbackWrite_LocatesUnderCommonSourceRoot(t *testing.T) {
	dir := t.TempDir()
	// The patch's recorded path is "src/calc.py", but the repository keeps
	// its sources under a "lib/" root; locateFile must try lib/<path> after
	// the literal path fails.
	if err := os.MkdirAll(filepath.Join(dir, "lib", "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lib", "src", "calc.py"), []byte("def add(a, b):\n    return a - b\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	a := &Applier{RepoDir: dir}
	p, err := Parse(calcPatch)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.fallbackWrite(p); err != nil {
		t.Fatalf("fallbackWrite: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "lib", "src", "calc.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "def add(a, b):\n    return a + b\n" {
		t.Fatalf("content = %q", got)
	}
}

func TestApplier_FallbackWrite_NewFile(t *testing.T) {
	dir := t.TempDir()
	raw := `diff --git a/src/new.py b/src/new.py
new file mode 100644
--- /dev/null
+++ b/src/new.py
@@ -0,0 +1,2 @@
+def f():
+    return 1
`
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	a := &Applier{RepoDir: dir}
	if err := a.fallbackWrite(p); err != nil {
		t.Fatalf("fallbackWrite: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "src", "new.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "def f():\n    return 1\n" {
		t.Fatalf("content = %q", got)
	}
}

func TestApplier_FallbackWrite_MissingFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	a := &Applier{RepoDir: dir}
	p, err := Parse(calcPatch)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.fallbackWrite(p); err == nil {
		t.Fatal("expected an error when the target file exists nowhere under the tree")
	}
}
