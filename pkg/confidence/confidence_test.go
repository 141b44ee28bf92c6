package confidence_test

import (
	"testing"

	"loom/pkg/confidence"
)

func TestScoreEmptyOutput(t *testing.T) {
	t.Parallel()

	score, b := confidence.Score("", "add a helper")
	if score != 0 {
		t.Fatalf("empty output score = %v, want 0", score)
	}
	if b.NonEmpty != 0 {
		t.Error("NonEmpty component must be 0")
	}

	score, _ = confidence.Score("   \n\t", "add a helper")
	if score != 0 {
		t.Fatalf("whitespace-only output score = %v, want 0", score)
	}
}

func TestScoreCleanCode(t *testing.T) {
	t.Parallel()

	code := "func add(a, b int) int {\n\treturn a + b\n}"
	score, b := confidence.Score(code, "write an add function")
	if score < 0.9 {
		t.Fatalf("clean balanced code score = %v, want >= 0.9", score)
	}
	if b.Balanced != 1 || b.Clean != 1 || b.Length != 1 {
		t.Errorf("unexpected breakdown %+v", b)
	}
}

func TestScoreUnbalancedBrackets(t *testing.T) {
	t.Parallel()

	truncated := "func add(a, b int) int {\n\treturn a + b\n" // missing }
	score, b := confidence.Score(truncated, "write an add function")
	if b.Balanced != 0 {
		t.Fatal("truncated block must score Balanced=0")
	}
	full, _ := confidence.Score(truncated+"}", "write an add function")
	if score >= full {
		t.Errorf("truncated %v must score below complete %v", score, full)
	}
}

func TestScoreBracketsInStringsIgnored(t *testing.T) {
	t.Parallel()

	code := `fmt.Println("unmatched ( [ { in a literal")` + "\n// also ) in a comment"
	_, b := confidence.Score(code, "print something")
	if b.Balanced != 1 {
		t.Error("brackets inside string literals and comments must not count")
	}
}

func TestScoreLeakedMarkup(t *testing.T) {
	t.Parallel()

	leaked := "<tool_call>read_file</tool_call>\nfunc x() {}"
	_, b := confidence.Score(leaked, "write x")
	if b.Clean != 0 {
		t.Fatal("leaked tool-call markup must score Clean=0")
	}
}

func TestScoreDeterministic(t *testing.T) {
	t.Parallel()

	code := "var x = 1"
	s1, b1 := confidence.Score(code, "declare x")
	s2, b2 := confidence.Score(code, "declare x")
	if s1 != s2 || b1 != b2 {
		t.Fatal("score must be reproducible for identical inputs")
	}
}

func TestScoreImplausibleLength(t *testing.T) {
	t.Parallel()

	huge := make([]byte, 20000)
	for i := range huge {
		huge[i] = 'a'
	}
	_, b := confidence.Score(string(huge), "hi")
	if b.Length >= 1 {
		t.Errorf("20k chars for a 2-char instruction scored Length=%v, want < 1", b.Length)
	}
}
