package capture

import "math"

// Resample converts native-rate samples to the target rate by linear
// interpolation between the two native samples bracketing each output
// position. The output holds floor(len(in) / (from/to)) samples.
func Resample(in []float32, fromRate, toRate int) []float32 {
	if len(in) == 0 || fromRate <= 0 || toRate <= 0 {
		return nil
	}
	if fromRate == toRate {
		return append([]float32(nil), in...)
	}
	ratio := float64(fromRate) / float64(toRate)
	n := int(math.Floor(float64(len(in)) / ratio))
	out := make([]float32, n)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx > last {
			idx = last
		}
		frac := float32(pos - float64(idx))
		a := in[idx]
		b := a
		if idx+1 <= last {
			b = in[idx+1]
		}
		out[i] = a + (b-a)*frac
	}
	return out
}

// Quantize maps [-1, 1] floats to signed 16-bit samples.
func Quantize(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, v := range in {
		scaled := float64(v) * 32767
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		out[i] = int16(math.Round(scaled))
	}
	return out
}

// Level is the mean absolute amplitude of a callback scaled to 0-100.
func Level(in []float32) float64 {
	if len(in) == 0 {
		return 0
	}
	var sum float64
	for _, v := range in {
		sum += math.Abs(float64(v))
	}
	level := sum / float64(len(in)) * 100
	if level > 100 {
		return 100
	}
	return level
}
