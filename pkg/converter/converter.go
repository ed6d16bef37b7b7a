// Package converter turns office documents into PDFs through one or more
// backends tried in order.
package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Converter renders the document at inputPath to a PDF and returns the PDF path.
type Converter interface {
	Name() string
	Convert(ctx context.Context, inputPath string) (string, error)
}

var supportedExtensions = []string{".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx"}

// SupportedExtensions returns the accepted input extensions.
func SupportedExtensions() []string {
	out := make([]string, len(supportedExtensions))
	copy(out, supportedExtensions)
	return out
}

// IsSupported reports whether the file name has an accepted extension.
func IsSupported(fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	for _, s := range supportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

var (
	ErrNoBackends   = errors.New("no conversion backends configured")
	ErrEmptyOutput  = errors.New("converter produced an empty pdf")
	ErrMissingInput = errors.New("input document does not exist")
)

// UnsupportedFormatError is returned for inputs whose extension is not accepted.
type UnsupportedFormatError struct {
	Extension string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Extension == "" {
		return "unsupported file type: no extension"
	}
	return fmt.Sprintf("unsupported file type: %s", e.Extension)
}

// outputPathFor places the pdf next to the input, sharing its stem.
func outputPathFor(inputPath string) string {
	ext := filepath.Ext(inputPath)
	return strings.TrimSuffix(inputPath, ext) + ".pdf"
}

func checkOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("pdf was not generated: %w", err)
	}
	if info.Size() == 0 {
		return ErrEmptyOutput
	}
	return nil
}
