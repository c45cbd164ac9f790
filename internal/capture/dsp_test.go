package capture

import (
	"math"
	"testing"
)

func sine(freq float64, rate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.8 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func zeroCrossings(samples []float32) int {
	count := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] < 0) != (samples[i] < 0) {
			count++
		}
	}
	return count
}

func TestResampleLength(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n, from, to int
	}{
		{48000, 48000, 16000},
		{4096, 48000, 16000},
		{4097, 44100, 16000},
		{480, 48000, 16000},
		{1000, 22050, 16000},
	}
	for _, tc := range cases {
		out := Resample(make([]float32, tc.n), tc.from, tc.to)
		want := int(math.Floor(float64(tc.n) / (float64(tc.from) / float64(tc.to))))
		if len(out) != want {
			t.Fatalf("n=%d %d->%d: got %d samples want %d", tc.n, tc.from, tc.to, len(out), want)
		}
	}
}

func TestResamplePreservesFrequency(t *testing.T) {
	t.Parallel()

	const (
		native = 48000
		target = 16000
		freq   = 440.0
	)
	in := sine(freq, native, native)
	out := Resample(in, native, target)

	// One second of a 440 Hz tone crosses zero about 880 times at either rate.
	inCross := zeroCrossings(in)
	outCross := zeroCrossings(out)
	if diff := inCross - outCross; diff < -2 || diff > 2 {
		t.Fatalf("zero crossings drifted: native=%d resampled=%d", inCross, outCross)
	}

	for i := 0; i < len(out); i += 97 {
		want := 0.8 * math.Sin(2*math.Pi*freq*float64(i)/target)
		if math.Abs(float64(out[i])-want) > 0.01 {
			t.Fatalf("sample %d: got %f want %f", i, out[i], want)
		}
	}
}

func TestResampleInterpolates(t *testing.T) {
	t.Parallel()

	out := Resample([]float32{0, 1, 0, -1}, 3, 2)
	// positions 0 and 1.5
	if len(out) != 2 || out[0] != 0 || out[1] != 0.5 {
		t.Fatalf("unexpected interpolation %v", out)
	}
	same := Resample([]float32{0.1, 0.2}, 16000, 16000)
	if len(same) != 2 || same[1] != 0.2 {
		t.Fatalf("expected passthrough, got %v", same)
	}
}

func TestQuantize(t *testing.T) {
	t.Parallel()

	got := Quantize([]float32{0, 1, -1, 1.5, -1.5, 0.5})
	want := []int16{0, 32767, -32767, 32767, -32768, 16384}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestLevel(t *testing.T) {
	t.Parallel()

	if l := Level(nil); l != 0 {
		t.Fatalf("expected 0, got %f", l)
	}
	if l := Level([]float32{0.5, -0.5}); math.Abs(l-50) > 1e-6 {
		t.Fatalf("expected 50, got %f", l)
	}
	if l := Level([]float32{2, -2}); l != 100 {
		t.Fatalf("expected clamp to 100, got %f", l)
	}
}
