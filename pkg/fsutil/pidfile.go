package fsutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// WritePIDFile writes the current PID to path.
func WritePIDFile(path string) error {
	return WriteTextAtomic(path, strconv.Itoa(os.Getpid())+"\n")
}

// ReadPIDFile returns the PID stored in path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", path, err)
	}
	return pid, nil
}

// RemoveIfExists removes path, ignoring a missing file.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
