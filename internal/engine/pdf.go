package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/models"
)

// PDFEngine processes binary documents via pdfcpu. It usually runs after
// the fetch engine has sniffed a binary content type and handed over a
// prefetched file; without a prefetch it downloads the URL itself.
type PDFEngine struct {
	tempDir string
	logger  arbor.ILogger
}

// NewPDFEngine creates the PDF/DOCX engine
func NewPDFEngine(tempDir string, logger arbor.ILogger) *PDFEngine {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	dir := filepath.Join(tempDir, "trawler-pdf")
	os.MkdirAll(dir, 0755)
	return &PDFEngine{
		tempDir: dir,
		logger:  logger,
	}
}

func (e *PDFEngine) Name() string { return "pdf" }

func (e *PDFEngine) Capabilities() models.FeatureSet {
	return models.NewFeatureSet(
		models.FeaturePDF,
		models.FeatureDOCX,
		models.FeatureSkipTLS,
	)
}

func (e *PDFEngine) Quality() int { return 2 }

func (e *PDFEngine) Available() bool { return true }

// Fetch extracts text from the document. Temp files are removed on every
// exit path, including the handed-over prefetch.
func (e *PDFEngine) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	budget := req.TimeToRun
	if budget <= 0 {
		return nil, &models.TimeoutError{Engine: e.Name(), SubBudget: 0}
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	filePath, statusCode, contentType, cleanup, err := e.acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if contentType != "application/pdf" {
		return nil, &models.UnsupportedFileError{
			Reason: fmt.Sprintf("content type %s is not extractable", contentType),
		}
	}

	text, err := e.extractText(filePath)
	if err != nil {
		return nil, &models.EngineError{Engine: e.Name(), Code: "pdf_extract", Cause: err}
	}

	// The transform stage consumes HTML; wrap the extracted text so the
	// markdown converter passes it through intact.
	var html strings.Builder
	html.WriteString("<html><body>")
	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		html.WriteString("<p>")
		html.WriteString(paragraph)
		html.WriteString("</p>")
	}
	html.WriteString("</body></html>")

	proxyUsed := "basic"
	if req.Prefetch != nil && req.Prefetch.ProxyUsed != "" {
		proxyUsed = req.Prefetch.ProxyUsed
	}

	return &FetchResult{
		URL:         req.URL,
		StatusCode:  statusCode,
		HTML:        html.String(),
		ContentType: contentType,
		ProxyUsed:   proxyUsed,
	}, nil
}

// acquire returns a local file for the document, reusing the prefetch when
// present, and a cleanup func releasing it.
func (e *PDFEngine) acquire(ctx context.Context, req *FetchRequest) (string, int, string, func(), error) {
	if req.Prefetch != nil {
		path := req.Prefetch.FilePath
		return path, req.Prefetch.StatusCode, req.Prefetch.ContentType, func() { os.Remove(path) }, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return "", 0, "", nil, &models.EngineError{Engine: e.Name(), Code: "bad_request", Cause: err}
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", 0, "", nil, &models.TimeoutError{Engine: e.Name(), SubBudget: req.TimeToRun}
		}
		return "", 0, "", nil, &models.EngineError{Engine: e.Name(), Code: "download", Cause: err}
	}
	defer resp.Body.Close()

	contentType := strings.ToLower(strings.TrimSpace(strings.SplitN(resp.Header.Get("Content-Type"), ";", 2)[0]))

	f, err := os.CreateTemp(e.tempDir, "download-*.pdf")
	if err != nil {
		return "", 0, "", nil, &models.EngineError{Engine: e.Name(), Code: "temp_file", Cause: err}
	}
	if _, err := io.Copy(f, io.LimitReader(resp.Body, fetchMaxBodyBytes)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", 0, "", nil, &models.EngineError{Engine: e.Name(), Code: "download", Cause: err}
	}
	f.Close()

	path := f.Name()
	return path, resp.StatusCode, contentType, func() { os.Remove(path) }, nil
}

// extractText pulls page content out of the PDF in page order. pdfcpu has
// no direct text extraction, so page content streams are extracted to a
// scratch directory and read back.
func (e *PDFEngine) extractText(filePath string) (string, error) {
	pdfCtx, err := api.ReadContextFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read PDF: %w", err)
	}
	pageCount := pdfCtx.PageCount

	outDir, err := os.MkdirTemp(e.tempDir, "pages-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(outDir)

	conf := model.NewDefaultConfiguration()
	if err := api.ExtractContentFile(filePath, outDir, nil, conf); err != nil {
		return "", fmt.Errorf("failed to extract PDF content: %w", err)
	}

	pageTexts := make(map[int]string)
	files, _ := os.ReadDir(outDir)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outDir, file.Name()))
		if err != nil {
			continue
		}
		var pageNum int
		if _, err := fmt.Sscanf(file.Name(), "Content_page_%d", &pageNum); err == nil {
			pageTexts[pageNum] = contentStreamText(string(content))
		}
	}

	var out strings.Builder
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		text := strings.TrimSpace(pageTexts[pageNum])
		if text == "" {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString(text)
	}

	e.logger.Debug().
		Int("pages", pageCount).
		Int("chars", out.Len()).
		Msg("Extracted PDF text")

	return out.String(), nil
}

// contentStreamText scavenges string operands of Tj/TJ show-text operators
// from a raw page content stream. Crude, but covers the common case of
// uncompressed text-bearing streams.
func contentStreamText(stream string) string {
	var out strings.Builder
	depth := 0
	var current strings.Builder
	for i := 0; i < len(stream); i++ {
		c := stream[i]
		switch {
		case c == '(' && (i == 0 || stream[i-1] != '\\'):
			depth++
			if depth == 1 {
				continue
			}
		case c == ')' && (i == 0 || stream[i-1] != '\\'):
			depth--
			if depth == 0 {
				if current.Len() > 0 {
					if out.Len() > 0 {
						out.WriteByte(' ')
					}
					out.WriteString(current.String())
					current.Reset()
				}
				continue
			}
		}
		if depth > 0 {
			current.WriteByte(c)
		}
	}
	return out.String()
}
