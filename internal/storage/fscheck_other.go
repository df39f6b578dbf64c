//go:build !darwin && !linux

package storage

// Without a detector every filesystem is assumed local.
func detectFilesystemType(string) (string, error) {
	return "local", nil
}
