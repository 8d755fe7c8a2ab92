// Package ingest validates uploaded documents and extracts their text for
// analysis prompts.
package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// MaxFileSize is the largest upload accepted.
const MaxFileSize = 20 * 1024 * 1024

// MaxPromptChars bounds how much extracted text reaches a prompt.
const MaxPromptChars = 5000

// AllowedExtensions lists accepted file types in display order.
var AllowedExtensions = []string{".csv", ".xlsx", ".xls", ".pdf", ".txt", ".md", ".json", ".docx", ".doc"}

var (
	ErrUnsupportedType = errors.New("Tipo de archivo no soportado")
	ErrTooLarge        = errors.New("El archivo es demasiado grande")
	ErrEmptyName       = errors.New("El archivo no tiene nombre")
)

// Ext returns the lowercased extension of name.
func Ext(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

// Validate checks name and size before anything is written and returns the
// normalized extension.
func Validate(name string, size int64) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrEmptyName
	}
	if size > MaxFileSize {
		return "", fmt.Errorf("%w. Límite: %dMB.", ErrTooLarge, MaxFileSize/(1024*1024))
	}
	ext := Ext(name)
	for _, allowed := range AllowedExtensions {
		if ext == allowed {
			return ext, nil
		}
	}
	return "", fmt.Errorf("%w. Extensiones permitidas: %s", ErrUnsupportedType, strings.Join(AllowedExtensions, ", "))
}

// Extract returns the text content of the file at path, dispatching on ext.
// Legacy binary Office formats yield an explanatory message instead of text.
func Extract(path, ext string) (string, error) {
	switch strings.ToLower(ext) {
	case ".csv":
		return extractCSV(path)
	case ".xlsx":
		return extractXLSX(path)
	case ".pdf":
		return extractPDF(path)
	case ".docx":
		return extractDOCX(path)
	case ".txt", ".md", ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case ".xls", ".doc":
		return fmt.Sprintf("Tipo de archivo %s no soportado para análisis de contenido.", ext), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, ext)
	}
}

// Truncate cuts s to at most limit runes.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

func extractCSV(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	var b strings.Builder
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("csv: %w", err)
		}
		b.WriteString(strings.Join(record, "\t"))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func extractXLSX(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("xlsx: %w", err)
	}
	defer f.Close()
	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("xlsx sheet %s: %w", sheet, err)
		}
		fmt.Fprintf(&b, "# %s\n", sheet)
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("pdf: %w", err)
	}
	defer f.Close()
	text, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdf: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(text); err != nil {
		return "", fmt.Errorf("pdf: %w", err)
	}
	return buf.String(), nil
}

func extractDOCX(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("docx: %w", err)
	}
	defer zr.Close()
	for _, file := range zr.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("docx: %w", err)
		}
		defer rc.Close()
		return documentText(rc)
	}
	return "", errors.New("docx: word/document.xml not found")
}

// documentText collects w:t runs, breaking lines at paragraph ends.
func documentText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("docx: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}
