package audio

import "math"

// RMS returns the root-mean-square level of int16 PCM normalised to [0, 1].
// Empty or single-byte input has zero energy.
func RMS(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(uint16(pcm[i*2])|uint16(pcm[i*2+1])<<8)) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// DBFS converts a normalised RMS level to decibels relative to full scale.
// Silence maps to -120 dBFS.
func DBFS(level float64) float64 {
	if level <= 1e-6 {
		return -120
	}
	return 20 * math.Log10(level)
}
