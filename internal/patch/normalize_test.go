package patch

import (
	"strings"
	"testing"
)

func TestNormalize_StripsTrailingWhitespaceOnDiffLines(t *testing.T) {
	raw := "diff --git a/f.py b/f.py\n--- a/f.py\n+++ b/f.py\n@@ -1,1 +1,1 @@\n+x = 1   \n"
	got := Normalize(raw)
	if strings.Contains(got, "1   \n") {
		t.Fatalf("trailing whitespace was not stripped: %q", got)
	}
}

func TestNormalize_RecomputesStaleHunkCounts(t *testing.T) {
	// Header claims -1,+1 but the body actually has two added lines; a
	// hand-edited patch with stale counts should still parse after
	// normalization recomputes the header.
	raw := "diff --git a/f.py b/f.py\n--- a/f.py\n+++ b/f.py\n@@ -1,1 +1,1 @@\n context\n+added one\n+added two\n"
	normalized := Normalize(raw)
	if _, err := Parse(normalized); err != nil {
		t.Fatalf("expected normalized patch to parse, got: %v", err)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	raw := "diff --git a/f.py b/f.py\n--- a/f.py\n+++ b/f.py\n@@ -1,1 +1,2 @@\n context\n+added\n"
	once := Normalize(raw)
	twice := Normalize(once)
	if once != twice {
		t.Fatalf("Normalize is not idempotent:\nonce:  %q\ntwice: %q", once, twice)
	}
}

func TestIsEmptyEffect_TrueForIdenticalAddRemove(t *testing.T) {
	raw := "diff --git a/f.py b/f.py\n--- a/f.py\n+++ b/f.py\n@@ -1,1 +1,1 @@\n-x = 1\n+x = 1\n"
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !IsEmptyEffect(p) {
		t.Fatal("expected an identical add/remove pair to be an empty effect")
	}
}

func TestIsEmptyEffect_FalseForRealChange(t *testing.T) {
	raw := "diff --git a/f.py b/f.py\n--- a/f.py\n+++ b/f.py\n@@ -1,1 +1,1 @@\n-x = 1\n+x = 2\n"
	p, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if IsEmptyEffect(p) {
		t.Fatal("expected a real content change to not be an empty effect")
	}
}

func TestIsEmptyEffect_EmptyPatch(t *testing.T) {
	if !IsEmptyEffect(&Patch{}) {
		t.Fatal("a patch with no files has no net effect")
	}
}
