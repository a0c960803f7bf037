package logging

import (
	"os"
	"sync"
)

// SimpleLogResetWriter truncates its file once MaxSize bytes have been
// written, so the log of a long-lived device never fills the data partition.
type SimpleLogResetWriter struct {
	mu       sync.Mutex
	FilePath string
	MaxSize  int
	written  int
	File     *os.File
}

func NewSimpleLogResetWriter(filePath string, maxSize int) (*SimpleLogResetWriter, error) {
	writer := &SimpleLogResetWriter{
		FilePath: filePath,
		MaxSize:  maxSize,
	}

	if err := writer.openFile(os.O_APPEND); err != nil {
		return nil, err
	}
	if st, err := writer.File.Stat(); err == nil {
		writer.written = int(st.Size())
	}

	return writer, nil
}

func (w *SimpleLogResetWriter) openFile(mode int) error {
	var err error
	w.File, err = os.OpenFile(w.FilePath, os.O_CREATE|os.O_WRONLY|mode, 0644)
	return err
}

func (w *SimpleLogResetWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.resetIfNeeded(); err != nil {
		return 0, err
	}
	n, err = w.File.Write(p)
	w.written += n
	return n, err
}

func (w *SimpleLogResetWriter) resetIfNeeded() error {
	if w.MaxSize <= 0 || w.written < w.MaxSize {
		return nil
	}
	w.written = 0
	w.File.Close()
	return w.openFile(os.O_TRUNC)
}

func (w *SimpleLogResetWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.File != nil {
		return w.File.Close()
	}
	return nil
}
