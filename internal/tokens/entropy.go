package tokens

import "math"

// ShannonEntropy returns the entropy of s in bits per character,
// computed over the character-frequency distribution. Empty and
// single-symbol inputs yield 0.
func ShannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	total := 0
	for _, r := range s {
		freq[r]++
		total++
	}
	entropy := 0.0
	n := float64(total)
	for _, count := range freq {
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
