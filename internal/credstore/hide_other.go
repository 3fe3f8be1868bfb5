//go:build !windows

package credstore

// hideFile is a no-op; the dot prefix hides the file.
func hideFile(string) error { return nil }
