package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"unicode/utf8"
)

const ocrDescriptionLimit = 500

// OCREngine turns an image file into text.
type OCREngine interface {
	Recognize(ctx context.Context, imagePath string) (string, error)
}

// TesseractEngine shells out to the tesseract CLI.
type TesseractEngine struct {
	Command  string
	Language string
}

// NewTesseractEngine returns an engine for the configured command and language.
func NewTesseractEngine(command, language string) *TesseractEngine {
	if command == "" {
		command = "tesseract"
	}
	return &TesseractEngine{Command: command, Language: language}
}

// Recognize runs "tesseract <image> stdout [-l lang]" and returns the trimmed output.
func (e *TesseractEngine) Recognize(ctx context.Context, imagePath string) (string, error) {
	args := []string{imagePath, "stdout"}
	if e.Language != "" {
		args = append(args, "-l", e.Language)
	}
	cmd := exec.CommandContext(ctx, e.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("ocr engine %q not installed: %w", e.Command, err)
		}
		return "", fmt.Errorf("ocr failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// applyOCR overwrites title and description from OCR text. A nil text records the failure.
func applyOCR(rec *AdvisoryRecord, text *string, ocrErr error) {
	rec.Metadata.OCRProcessed = true
	rec.OCRFields = &OCRFields{RawOCRText: text}
	if ocrErr != nil {
		rec.OCRFields.OCRError = ocrErr.Error()
	}
	if text == nil {
		// A blocked-page title is not an advisory title.
		if !structuredUsable(rec) {
			rec.Title = notAvailable
		}
		return
	}
	rec.Title = firstLine(*text)
	rec.Description = truncateRunes(*text, ocrDescriptionLimit)
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
