package audio

import "math"

// Downsample converts float samples from inputRate to targetRate with a
// box filter: each output sample is the mean of the input block it covers.
// The output has round(len*target/input) samples. Matching rates return a
// copy. When asked to upsample, empty blocks hold the nearest input sample.
func Downsample(samples []float32, inputRate, targetRate int) []float32 {
	if len(samples) == 0 || inputRate <= 0 || targetRate <= 0 {
		return []float32{}
	}
	if inputRate == targetRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	ratio := float64(inputRate) / float64(targetRate)
	n := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, n)

	start := 0
	for i := 0; i < n; i++ {
		end := int(math.Round(float64(i+1) * ratio))
		if end > len(samples) {
			end = len(samples)
		}

		var sum float64
		count := 0
		for j := start; j < end; j++ {
			sum += float64(samples[j])
			count++
		}

		if count > 0 {
			out[i] = float32(sum / float64(count))
		} else {
			hold := start
			if hold >= len(samples) {
				hold = len(samples) - 1
			}
			out[i] = samples[hold]
		}
		if end > start {
			start = end
		}
	}
	return out
}

// Quantize clamps floats to [-1, 1] and rounds them to the nearest PCM16
// step of 1/32768, so Dequantize recovers each sample within one step.
// Out of range input saturates instead of wrapping.
func Quantize(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if math.IsNaN(float64(s)) {
			continue
		}
		v := math.Round(float64(s) * 32768)
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		out[i] = int16(v)
	}
	return out
}

// Dequantize maps PCM16 samples back to floats by dividing by 32768.
func Dequantize(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}
