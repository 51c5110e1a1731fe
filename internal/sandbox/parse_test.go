package sandbox

import "testing"

func TestParseOutput_PrefersMachineResultJSON(t *testing.T) {
	out := "collecting tests...\nrunning...\n" +
		`{"passed": 3, "failed": 1, "failing": [{"id": "test_add", "message": "assert 5 == -1", "file": "test_calc.py", "line": 4}]}`
	r := ParseOutput(1, out, 120)
	if r.Passed != 3 || r.Failed != 1 {
		t.Fatalf("Passed/Failed = %d/%d, want 3/1", r.Passed, r.Failed)
	}
	if len(r.Failing) != 1 || r.Failing[0].ID != "test_add" {
		t.Fatalf("Failing = %+v", r.Failing)
	}
	if r.Clean() {
		t.Fatal("a result with failures must not be Clean")
	}
}

func TestParseOutput_CleanOnZeroExitNoFailures(t *testing.T) {
	r := ParseOutput(0, "3 passed in 0.01s\n", 10)
	if !r.Clean() {
		t.Fatalf("expected Clean(), got %+v", r)
	}
}

func TestParseOutput_PytestHumanFailureLine(t *testing.T) {
	out := "FAILED test_calc.py::test_add - AssertionError: assert -1 == 5\n"
	r := ParseOutput(1, out, 50)
	if len(r.Failing) != 1 {
		t.Fatalf("expected 1 failure, got %+v", r.Failing)
	}
	if r.Failing[0].ID != "test_calc.py::test_add" {
		t.Fatalf("Failing[0].ID = %q", r.Failing[0].ID)
	}
}

func TestParseOutput_GoTestFailureLine(t *testing.T) {
	out := "--- FAIL: TestAdd (0.00s)\n    calc_test.go:12: got -1, want 5\nFAIL\n"
	r := ParseOutput(1, out, 50)
	if len(r.Failing) != 1 {
		t.Fatalf("expected 1 failure, got %+v", r.Failing)
	}
	f := r.Failing[0]
	if f.ID != "TestAdd" || f.File != "calc_test.go" || f.Line != 12 {
		t.Fatalf("Failing[0] = %+v", f)
	}
}

func TestParseOutput_AmbiguousNonzeroExitReportsConservatively(t *testing.T) {
	r := ParseOutput(1, "some tool crashed with no recognizable output\n", 5)
	if r.Failed == 0 || len(r.Failing) == 0 {
		t.Fatalf("expected a conservative nonzero failure report, got %+v", r)
	}
	if r.Clean() {
		t.Fatal("an ambiguous nonzero exit must never report Clean")
	}
}

func TestParseOutput_PytestSeparatorStyle(t *testing.T) {
	out := "____________________ test_add ____________________\n" +
		"    def test_add():\n" +
		">       assert add(2, 3) == 5\n" +
		"E       assert -1 == 5\n"
	r := ParseOutput(1, out, 30)
	if len(r.Failing) != 1 {
		t.Fatalf("expected 1 failure from separator scraping, got %+v", r.Failing)
	}
	if r.Failing[0].ID != "test_add" {
		t.Fatalf("Failing[0].ID = %q", r.Failing[0].ID)
	}
}

func TestTail_TruncatesToLastNLines(t *testing.T) {
	out := "l1\nl2\nl3\nl4\nl5\n"
	got := tail(out, 2)
	want := "l4\nl5"
	if got != want {
		t.Fatalf("tail() = %q, want %q", got, want)
	}
}

func TestTail_ShortInputUnchanged(t *testing.T) {
	out := "l1\nl2\n"
	if got := tail(out, 10); got != out {
		t.Fatalf("tail() = %q, want %q", got, out)
	}
}
