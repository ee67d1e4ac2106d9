// Cache available cpu#.
//
// For Linux the latter is based on cpu affinity mask, whereas for non Linux it
// is based on runtime.NumCPU.

package utils

var AvailableCpusCount = CountAvailableCPUs()

// Size a goroutine pool: n > 0 is used as is, otherwise the available cpu#;
// either way capped at max, if max > 0.
func PoolSize(n, max int) int {
	if n <= 0 {
		n = AvailableCpusCount
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}
