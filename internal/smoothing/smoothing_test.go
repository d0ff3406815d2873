package smoothing

import (
	"fmt"
	"math"
	"testing"
)

// ────────────────────────────────────────────────────────────
// Helper
// ────────────────────────────────────────────────────────────

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f, diff=%.6f)", label, got, want, tol, math.Abs(got-want))
	}
}

// ────────────────────────────────────────────────────────────
// Kind
// ────────────────────────────────────────────────────────────

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"none", None, false},
		{"", None, false},
		{"SMA", SMA, false},
		{" ema ", EMA, false},
		{"wma", None, true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseKind(%q): err=%v, wantErr=%v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestKind_TextRoundTrip(t *testing.T) {
	for _, k := range []Kind{None, SMA, EMA} {
		b, _ := k.MarshalText()
		var back Kind
		if err := back.UnmarshalText(b); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if back != k {
			t.Errorf("round trip %v -> %s -> %v", k, b, back)
		}
	}
}

// ────────────────────────────────────────────────────────────
// None
// ────────────────────────────────────────────────────────────

func TestNone_Identity(t *testing.T) {
	s := New(None, DefaultParams())
	for _, v := range []float64{100, 102.5, -3, 0, 1e9} {
		if got := s.Apply(v); got != v {
			t.Errorf("None.Apply(%v) = %v", v, got)
		}
	}
}

// ────────────────────────────────────────────────────────────
// SMA
// ────────────────────────────────────────────────────────────

func TestSMA_RampUp(t *testing.T) {
	// Fewer than window samples: mean of all seen so far.
	s := New(SMA, DefaultParams())
	inputs := []float64{100, 102, 104, 103, 105}
	expected := []float64{100, 101, 102, 102.25, 102.8}
	for i, v := range inputs {
		assertClose(t, fmt.Sprintf("SMA ramp %d", i), s.Apply(v), expected[i], 1e-9)
	}
}

func TestSMA_FullWindow(t *testing.T) {
	// 25 samples 1..25, window 20: mean of 6..25 = 15.5
	s := New(SMA, DefaultParams())
	var got float64
	for i := 1; i <= 25; i++ {
		got = s.Apply(float64(i))
	}
	assertClose(t, "SMA(20) after 25", got, 15.5, 1e-9)
}

func TestSMA_CustomWindow(t *testing.T) {
	s := New(SMA, Params{SMAWindow: 3})
	prices := []float64{100, 102, 104, 103, 105}
	expected := []float64{100, 101, 102, 103, 104}
	for i, p := range prices {
		assertClose(t, fmt.Sprintf("SMA(3) %d", i), s.Apply(p), expected[i], 1e-9)
	}
}

// ────────────────────────────────────────────────────────────
// EMA
// ────────────────────────────────────────────────────────────

func TestEMA_SeedEqualsFirstInput(t *testing.T) {
	s := New(EMA, DefaultParams())
	if got := s.Apply(123.45); got != 123.45 {
		t.Errorf("seed = %v, want 123.45", got)
	}
}

func TestEMA_ConstantIsFixedPoint(t *testing.T) {
	s := New(EMA, DefaultParams())
	for i := 0; i < 100; i++ {
		if got := s.Apply(250); got != 250 {
			t.Fatalf("step %d: got %v, want exactly 250", i, got)
		}
	}
}

func TestEMA_Correctness(t *testing.T) {
	// s=2: second sample n=2 -> a=2/3, third n=3 -> a=1/2
	s := New(EMA, DefaultParams())
	s.Apply(100)
	v := s.Apply(130)
	assertClose(t, "EMA step 2", v, 120, 1e-9)
	v = s.Apply(140)
	assertClose(t, "EMA step 3", v, 130, 1e-9)
}

func TestEMA_CapLimitsAlpha(t *testing.T) {
	// After the cap is reached alpha stays at s/(1+cap).
	p := Params{EMAFactor: 2, EMACap: 3}
	s := New(EMA, p)
	s.Apply(0)
	s.Apply(0) // n=2
	s.Apply(0) // n=3
	got := s.Apply(100)
	assertClose(t, "EMA capped alpha", got, 50, 1e-9) // a = 2/4
}

func TestEMA_AlphaClamped(t *testing.T) {
	// s=5 gives a=5/3 at n=2; clamped to 1 the output tracks raw exactly.
	s := New(EMA, Params{EMAFactor: 5, EMACap: 20})
	s.Apply(10)
	if got := s.Apply(20); got != 20 {
		t.Errorf("clamped alpha: got %v, want 20", got)
	}
}
