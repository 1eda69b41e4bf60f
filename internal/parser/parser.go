package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"memoire/internal/models"
)

// Options controls chunking of extracted text, in characters.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
}

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
	defaultPageNumber   = 1
)

// extractor returns the text of each page (or slide, or sheet) in order.
type extractor func(filePath string) ([]string, error)

var extractors = map[string]extractor{
	".txt":  parseText,
	".md":   parseMarkdown,
	".pdf":  parsePDF,
	".docx": parseDOCX,
	".pptx": parsePPTX,
	".xlsx": parseXLSX,
	".xlsm": parseWorkbook,
	".xltx": parseWorkbook,
	".xltm": parseWorkbook,
}

// Supported reports whether a file extension can be parsed.
func Supported(filePath string) bool {
	_, ok := extractors[strings.ToLower(filepath.Ext(filePath))]
	return ok
}

// ParseFile extracts text from a document and splits every page into overlapping chunks.
func ParseFile(filePath string, opts Options) ([]models.Chunk, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.ChunkOverlap <= 0 {
		opts.ChunkOverlap = defaultChunkOverlap
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	extract, ok := extractors[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
	pages, err := extract(filePath)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}

	var chunks []models.Chunk
	for i, page := range pages {
		chunks = append(chunks, getChunks(page, i+defaultPageNumber, opts)...)
	}
	return chunks, nil
}

func parseText(filePath string) ([]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return []string{string(data)}, nil
}

// parseMarkdown keeps the readable text of a markdown file and drops the markup.
func parseMarkdown(filePath string) ([]string, error) {
	src, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return []string{markdownText(src)}, nil
}

func markdownText(src []byte) string {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(text.NewReader(src))

	var buf strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument {
				buf.WriteString("\n")
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			buf.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				buf.WriteString("\n")
			}
		case *ast.String:
			buf.Write(node.Value)
		case *ast.CodeSpan:
			for c := node.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					buf.Write(t.Segment.Value(src))
				}
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(src))
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(buf.String())
}

func parsePDF(filePath string) ([]string, error) {
	f, r, err := pdf.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, pageText)
	}
	return pages, nil
}

// DOCX has no page numbers; the whole body is one page.
func parseDOCX(filePath string) ([]string, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	body, err := xmlText([]byte(r.Editable().GetContent()))
	if err != nil {
		return nil, err
	}
	return []string{body}, nil
}

// parsePPTX returns one page per slide, in slide order.
func parsePPTX(filePath string) ([]string, error) {
	f, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	type slide struct {
		num  int
		text string
	}
	var slides []slide
	for _, file := range f.File {
		name := strings.TrimSuffix(strings.TrimPrefix(file.Name, "ppt/slides/slide"), ".xml")
		if name == file.Name || strings.Contains(name, "/") {
			continue
		}
		num, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		slideText, err := xmlText(data)
		if err != nil {
			return nil, fmt.Errorf("slide %d: %w", num, err)
		}
		slides = append(slides, slide{num: num, text: slideText})
	}

	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })
	pages := make([]string, 0, len(slides))
	for _, s := range slides {
		pages = append(pages, s.text)
	}
	return pages, nil
}

// parseXLSX returns one page per sheet with tab separated cells.
func parseXLSX(filePath string) ([]string, error) {
	f, err := xlsx.OpenFile(filePath)
	if err != nil {
		return nil, err
	}

	var pages []string
	for _, sheet := range f.Sheets {
		var rows [][]string
		for _, row := range sheet.Rows {
			if row == nil {
				continue
			}
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			rows = append(rows, cells)
		}
		pages = append(pages, sheetText(sheet.Name, rows))
	}
	return pages, nil
}

// parseWorkbook handles macro-enabled workbooks and templates through excelize.
func parseWorkbook(filePath string) ([]string, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pages []string
	for _, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", sheetName, err)
		}
		pages = append(pages, sheetText(sheetName, rows))
	}
	return pages, nil
}

func sheetText(name string, rows [][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Sheet: %s\n", name)
	for _, row := range rows {
		b.WriteString(strings.Join(row, "\t"))
		b.WriteString("\n")
	}
	return b.String()
}

// xmlText collects the character data of OOXML text runs (w:t, a:t) and breaks
// lines at paragraph ends.
func xmlText(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false

	var b strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// chunkContent splits content into chunks of at most maxChars characters where
// consecutive chunks share overlapChars characters. Cuts prefer a space, newline
// or full stop within the last tenth of the chunk.
func chunkContent(content string, maxChars, overlapChars int) []string {
	if maxChars <= 0 {
		return nil
	}
	if overlapChars < 0 {
		overlapChars = 0
	}
	if overlapChars >= maxChars {
		overlapChars = maxChars / 2
	}

	runes := []rune(strings.TrimSpace(content))
	n := len(runes)
	if n == 0 {
		return nil
	}
	if n <= maxChars {
		return []string{string(runes)}
	}

	var chunks []string
	for start := 0; start < n; {
		end := min(start+maxChars, n)
		if end < n {
			lookBack := min(maxChars/10, end-start)
			for i := end - 1; i >= end-lookBack && i > start; i-- {
				if runes[i] == ' ' || runes[i] == '\n' || runes[i] == '.' {
					end = i + 1
					break
				}
			}
		}

		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= n {
			break
		}
		// step from the actual cut so the overlap survives a shortened chunk
		start = max(end-overlapChars, start+1)
	}
	return chunks
}

func getChunks(content string, pageNumber int, opts Options) []models.Chunk {
	var chunks []models.Chunk
	for i, c := range chunkContent(content, opts.ChunkSize, opts.ChunkOverlap) {
		chunks = append(chunks, models.Chunk{
			Content:    c,
			PageNumber: pageNumber,
			ChunkID:    i + 1,
		})
	}
	return chunks
}
