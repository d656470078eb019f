package extract

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// extractDOCX reads the text runs (w:t) of the main document part.
func extractDOCX(ctx context.Context, path string, b *Builder) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			return writeRuns(ctx, f, b, "p")
		}
	}
	return fmt.Errorf("%s has no word/document.xml", path)
}

// extractPPTX reads the text runs (a:t) of every slide in slide order.
func extractPPTX(ctx context.Context, path string, b *Builder) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer zr.Close()

	var slides []*zip.File
	for _, f := range zr.File {
		if slideNumber(f.Name) > 0 {
			slides = append(slides, f)
		}
	}
	sort.Slice(slides, func(i, j int) bool {
		return slideNumber(slides[i].Name) < slideNumber(slides[j].Name)
	})
	for _, f := range slides {
		if err := writeRuns(ctx, f, b, "p"); err != nil {
			return err
		}
		b.Break()
	}
	return nil
}

// slideNumber returns N for ppt/slides/slideN.xml and 0 for anything else.
func slideNumber(name string) int {
	rest, ok := strings.CutPrefix(name, "ppt/slides/slide")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSuffix(rest, ".xml"))
	if err != nil || !strings.HasSuffix(rest, ".xml") {
		return 0
	}
	return n
}

// writeRuns streams the character data of every <t> element; the end of a
// paragraph element (local name para) becomes a separator.
func writeRuns(ctx context.Context, f *zip.File, b *Builder, para string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	inText := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parsing %s: %w", f.Name, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			inText = t.Name.Local == "t"
		case xml.EndElement:
			inText = false
			if t.Name.Local == para {
				b.Break()
			}
		case xml.CharData:
			if inText {
				if err := b.WriteString(string(t)); err != nil {
					return err
				}
			}
		}
	}
}
