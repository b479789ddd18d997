package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	logDirPerm  = 0o700
	logFilePerm = 0o600
)

// RotatingWriter appends to a log file and rotates it when it grows past
// maxSize or when the calendar day changes.
type RotatingWriter struct {
	mu          sync.Mutex
	filename    string
	maxSize     int64 // bytes, 0 disables size rotation
	maxAge      int   // days
	compress    bool
	currentFile *os.File
	currentSize int64
	currentDay  string
	now         func() time.Time
}

// NewRotatingWriter opens filename for appending.
func NewRotatingWriter(filename string, maxSizeMB int, maxAge int, compress bool) (*RotatingWriter, error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, logDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rw := &RotatingWriter{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		maxAge:   maxAge,
		compress: compress,
		now:      time.Now,
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	rw.currentDay = dayOf(rw.modTime())

	go rw.cleanup()

	return rw, nil
}

func dayOf(t time.Time) string {
	return t.Format("2006-01-02")
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	_ = os.Chmod(w.filename, logFilePerm)
	w.currentFile = file
	w.currentSize = info.Size()
	return nil
}

func (w *RotatingWriter) modTime() time.Time {
	if info, err := os.Stat(w.filename); err == nil && info.Size() > 0 {
		return info.ModTime()
	}
	return w.now()
}

// Write writes p, rotating first if the size limit would be exceeded.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxSize > 0 && w.currentSize > 0 && w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(w.now().Format("20060102-150405")); err != nil {
			return 0, err
		}
	}

	n, err := w.currentFile.Write(p)
	w.currentSize += int64(n)
	return n, err
}

// MaybeRotate rotates the file when now falls on a later day than the
// content currently in it. It is cheap to call once per tick.
func (w *RotatingWriter) MaybeRotate(now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := dayOf(now)
	if day == w.currentDay {
		return nil
	}
	previous := w.currentDay
	w.currentDay = day
	if w.currentSize == 0 {
		return nil
	}
	if err := w.rotate(previous); err != nil {
		return err
	}
	go w.cleanup()
	return nil
}

// Close closes the current log file
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		return err
	}
	return nil
}

func (w *RotatingWriter) rotate(suffix string) error {
	if err := w.currentFile.Close(); err != nil {
		return err
	}

	rotatedName := fmt.Sprintf("%s.%s", w.filename, suffix)
	if _, err := os.Stat(rotatedName); err == nil {
		rotatedName = fmt.Sprintf("%s.%s", rotatedName, w.now().Format("150405.000000000"))
	}
	if err := os.Rename(w.filename, rotatedName); err != nil {
		return err
	}

	if w.compress {
		go compressFile(rotatedName)
	}

	return w.open()
}

func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(filename+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, logFilePerm)
	if err != nil {
		return err
	}
	defer dst.Close()

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		return err
	}

	return os.Remove(filename)
}

// cleanup removes rotated files older than maxAge days.
func (w *RotatingWriter) cleanup() {
	if w.maxAge <= 0 {
		return
	}

	dir := filepath.Dir(w.filename)
	base := filepath.Base(w.filename)

	files, err := filepath.Glob(filepath.Join(dir, base+".*"))
	if err != nil {
		return
	}

	cutoff := w.now().AddDate(0, 0, -w.maxAge)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(file)
			if !strings.HasSuffix(file, ".gz") {
				os.Remove(file + ".gz")
			}
		}
	}
}
