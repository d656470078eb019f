package extract

import (
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// extractPDF reads the plain text of pages in order until the snippet is full.
func extractPDF(ctx context.Context, path string, b *Builder) (err error) {
	defer func() {
		// the parser panics on some malformed inputs
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing pdf %s: %v", path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()

	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return fmt.Errorf("reading page %d of %s: %w", i, path, err)
		}
		if err := b.WriteString(text); err != nil {
			return err
		}
		b.Break()
	}
	return nil
}
