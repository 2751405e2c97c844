//go:build !linux

package lowbit

// getSystemMemory returns total system memory in bytes
func getSystemMemory() uint64 {
	return defaultSystemMemory
}
