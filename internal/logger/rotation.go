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

// RotatingWriter is a writer that rotates log files by size and prunes by age
type RotatingWriter struct {
	filename string
	maxSize  int64 // bytes
	maxAge   int   // days
	compress bool

	mu          sync.Mutex
	currentFile *os.File
	currentSize int64
}

// NewRotatingWriter creates a new rotating writer
func NewRotatingWriter(filename string, maxSizeMB int, maxAge int, compress bool) (*RotatingWriter, error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	w := &RotatingWriter{
		filename:    filename,
		maxSize:     int64(maxSizeMB) * 1024 * 1024,
		maxAge:      maxAge,
		compress:    compress,
		currentFile: file,
		currentSize: info.Size(),
	}

	go w.pruneOld()

	return w, nil
}

// Write writes data to the log file, rotating first if the write would overflow
func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxSize > 0 && w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err = w.currentFile.Write(p)
	w.currentSize += int64(n)
	return n, err
}

// Close closes the current log file
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		return w.currentFile.Close()
	}
	return nil
}

func (w *RotatingWriter) rotate() error {
	if err := w.currentFile.Close(); err != nil {
		return err
	}

	stamp := time.Now().Format("20060102-150405")
	rotatedName := fmt.Sprintf("%s.%s", w.filename, stamp)

	if err := os.Rename(w.filename, rotatedName); err != nil {
		return err
	}

	if w.compress {
		go compressFile(rotatedName)
	}

	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	w.currentFile = file
	w.currentSize = 0

	return nil
}

func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()

	gzw := gzip.NewWriter(dst)
	defer gzw.Close()

	if _, err := io.Copy(gzw, src); err != nil {
		return err
	}

	return os.Remove(filename)
}

// pruneOld removes rotated files older than maxAge days
func (w *RotatingWriter) pruneOld() {
	if w.maxAge <= 0 {
		return
	}

	dir := filepath.Dir(w.filename)
	base := filepath.Base(w.filename)

	files, err := filepath.Glob(filepath.Join(dir, base+".*"))
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -w.maxAge)
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
