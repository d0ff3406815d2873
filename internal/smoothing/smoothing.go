// Package smoothing turns a stream of raw index values into a smoothed
// stream. The set of methods is closed: None, SMA and EMA.
package smoothing

import (
	"fmt"
	"strings"
)

// Kind selects the smoothing method of an index.
type Kind uint8

const (
	None Kind = iota
	SMA
	EMA
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case SMA:
		return "sma"
	case EMA:
		return "ema"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind accepts "none", "sma" or "ema" in any case. An empty string is None.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "sma":
		return SMA, nil
	case "ema":
		return EMA, nil
	}
	return None, fmt.Errorf("unknown smoothing %q (want none, sma or ema)", s)
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Params holds the tunables shared by every smoother in a process.
type Params struct {
	SMAWindow int     // window length for SMA
	EMAFactor float64 // smoothing factor s in a = s/(1+n)
	EMACap    int     // upper bound on n
}

// DefaultParams returns window 20, factor 2 and cap 20.
func DefaultParams() Params {
	return Params{SMAWindow: 20, EMAFactor: 2, EMACap: 20}
}

func (p Params) normalized() Params {
	d := DefaultParams()
	if p.SMAWindow <= 0 {
		p.SMAWindow = d.SMAWindow
	}
	if p.EMAFactor <= 0 {
		p.EMAFactor = d.EMAFactor
	}
	if p.EMACap <= 0 {
		p.EMACap = d.EMACap
	}
	return p
}

// State is the per-index smoothing state. It is not safe for concurrent use;
// the aggregator goroutine owns it.
type State struct {
	kind   Kind
	params Params

	// SMA: circular window
	buf   []float64
	idx   int
	count int

	// EMA
	ema    float64
	n      int
	seeded bool
}

// New creates a State for kind with the given params. Zero fields in p
// fall back to DefaultParams.
func New(kind Kind, p Params) *State {
	p = p.normalized()
	s := &State{kind: kind, params: p}
	if kind == SMA {
		s.buf = make([]float64, p.SMAWindow)
	}
	return s
}

// Kind returns the method this state applies.
func (s *State) Kind() Kind { return s.kind }

// Apply feeds one raw value and returns the smoothed value.
func (s *State) Apply(raw float64) float64 {
	switch s.kind {
	case SMA:
		return s.applySMA(raw)
	case EMA:
		return s.applyEMA(raw)
	default:
		return raw
	}
}

func (s *State) applySMA(raw float64) float64 {
	s.buf[s.idx] = raw
	s.idx = (s.idx + 1) % len(s.buf)
	if s.count < len(s.buf) {
		s.count++
	}
	// Summed from the window on every call so float error never accumulates.
	var sum float64
	for i := 0; i < s.count; i++ {
		sum += s.buf[i]
	}
	return sum / float64(s.count)
}

func (s *State) applyEMA(raw float64) float64 {
	if !s.seeded {
		s.ema = raw
		s.n = 1
		s.seeded = true
		return s.ema
	}
	if s.n < s.params.EMACap {
		s.n++
	}
	a := s.params.EMAFactor / float64(1+s.n)
	if a > 1 {
		a = 1
	} else if a < 0 {
		a = 0
	}
	// Incremental form keeps a constant input an exact fixed point.
	s.ema += a * (raw - s.ema)
	return s.ema
}
