package feeder

import "testing"

func TestExpandPassesThroughPlainText(t *testing.T) {
	out, err := Expand("G0 X0 Y0", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "G0 X0 Y0" {
		t.Fatalf("got %q", out)
	}
}

func TestExpandSubstitutesIdentifier(t *testing.T) {
	vars := map[string]float64{"mpos.x": 12.5}
	out, err := Expand("G0 X{{mpos.x}}", vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "G0 X12.5" {
		t.Fatalf("got %q", out)
	}
}

func TestExpandArithmetic(t *testing.T) {
	vars := map[string]float64{"mpos.x": 10}
	out, err := Expand("G0 X{{mpos.x + 5}}", vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "G0 X15" {
		t.Fatalf("got %q", out)
	}
}

func TestExpandOperatorPrecedenceAndParens(t *testing.T) {
	v, err := Eval("(1 + 2) * 3", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 9 {
		t.Fatalf("got %v", v)
	}
	v, err = Eval("1 + 2 * 3", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 7 {
		t.Fatalf("got %v", v)
	}
}

func TestExpandUnknownIdentifierFails(t *testing.T) {
	_, err := Expand("G0 X{{bogus}}", map[string]float64{})
	if err == nil {
		t.Fatal("expected error for unknown identifier")
	}
}

func TestExpandUnterminatedSpanFails(t *testing.T) {
	_, err := Expand("G0 X{{mpos.x", map[string]float64{"mpos.x": 1})
	if err == nil {
		t.Fatal("expected error for unterminated span")
	}
}

func TestExpandDivisionByZeroFails(t *testing.T) {
	_, err := Eval("1 / 0", nil)
	if err == nil {
		t.Fatal("expected division-by-zero error")
	}
}

func TestExpandMultipleSpansInOneLine(t *testing.T) {
	vars := map[string]float64{"x": 1, "y": 2}
	out, err := Expand("G0 X{{x}} Y{{y}}", vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "G0 X1 Y2" {
		t.Fatalf("got %q", out)
	}
}

func TestExpandNegativeNumbers(t *testing.T) {
	out, err := Expand("G0 X{{-5}}", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "G0 X-5" {
		t.Fatalf("got %q", out)
	}
}
