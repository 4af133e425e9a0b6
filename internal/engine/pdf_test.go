package engine

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/models"
)

// writeSamplePDF generates a one-page uncompressed PDF fixture
func writeSamplePDF(t *testing.T, text string) string {
	t.Helper()
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetCompression(false)
	doc.AddPage()
	doc.SetFont("Helvetica", "", 12)
	doc.Cell(40, 10, text)

	path := filepath.Join(t.TempDir(), "sample.pdf")
	require.NoError(t, doc.OutputFileAndClose(path))
	return path
}

func TestContentStreamText(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		want   string
	}{
		{
			name:   "simple show text",
			stream: "BT /F1 12 Tf (Hello) Tj ET",
			want:   "Hello",
		},
		{
			name:   "multiple operands joined",
			stream: "[(Hello) -250 (world)] TJ",
			want:   "Hello world",
		},
		{
			name:   "nested parens kept",
			stream: "((nested)) Tj",
			want:   "(nested)",
		},
		{
			name:   "escaped paren does not close",
			stream: `(a\) b) Tj`,
			want:   `a\) b`,
		},
		{
			name:   "no strings",
			stream: "q 1 0 0 1 0 0 cm Q",
			want:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, contentStreamText(tt.stream))
		})
	}
}

func TestPDFEngineExtractsFromPrefetch(t *testing.T) {
	path := writeSamplePDF(t, "Hello trawler")

	e := NewPDFEngine(t.TempDir(), arbor.NewLogger())
	result, err := e.Fetch(context.Background(), &FetchRequest{
		URL:       "https://example.com/doc.pdf",
		TimeToRun: 10 * time.Second,
		Prefetch: &models.PDFPrefetch{
			FilePath:    path,
			ContentType: "application/pdf",
			StatusCode:  200,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 200, result.StatusCode)
	assert.Contains(t, result.HTML, "Hello trawler")
	assert.Contains(t, result.HTML, "<p>")

	// The handed-over prefetch was consumed and removed
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPDFEngineDownloadsWithoutPrefetch(t *testing.T) {
	path := writeSamplePDF(t, "Downloaded document")
	body, err := os.ReadFile(path)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(bytes.Clone(body))
	}))
	defer srv.Close()

	e := NewPDFEngine(t.TempDir(), arbor.NewLogger())
	result, err := e.Fetch(context.Background(), &FetchRequest{
		URL:       srv.URL + "/doc.pdf",
		TimeToRun: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.Contains(t, result.HTML, "Downloaded document")
}

func TestPDFEngineRejectsNonPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.docx")
	require.NoError(t, os.WriteFile(path, []byte("PK fake"), 0644))

	e := NewPDFEngine(t.TempDir(), arbor.NewLogger())
	_, err := e.Fetch(context.Background(), &FetchRequest{
		URL:       "https://example.com/doc.docx",
		TimeToRun: 10 * time.Second,
		Prefetch: &models.PDFPrefetch{
			FilePath:    path,
			ContentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		},
	})

	var unsupported *models.UnsupportedFileError
	require.ErrorAs(t, err, &unsupported)

	// Cleanup runs on the rejection path too
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPDFEngineZeroBudget(t *testing.T) {
	e := NewPDFEngine(t.TempDir(), arbor.NewLogger())
	_, err := e.Fetch(context.Background(), &FetchRequest{URL: "https://example.com/doc.pdf", TimeToRun: 0})

	var timeout *models.TimeoutError
	assert.ErrorAs(t, err, &timeout)
}
