package extract

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// extractXLSX emits "<sheet>: cell cell ..." row by row across sheets.
func extractXLSX(ctx context.Context, path string, b *Builder) error {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return fmt.Errorf("opening workbook %s: %w", path, err)
	}
	defer f.Close()

	for _, sheet := range f.GetSheetList() {
		if err := b.WriteString(sheet + ":"); err != nil {
			return err
		}
		b.Break()
		if err := writeSheet(ctx, f, sheet, b); err != nil {
			return err
		}
	}
	return nil
}

func writeSheet(ctx context.Context, f *excelize.File, sheet string, b *Builder) error {
	rows, err := f.Rows(sheet)
	if err != nil {
		return fmt.Errorf("reading sheet %s: %w", sheet, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cols, err := rows.Columns()
		if err != nil {
			return fmt.Errorf("reading sheet %s: %w", sheet, err)
		}
		for _, cell := range cols {
			if cell == "" {
				continue
			}
			if err := b.WriteString(cell); err != nil {
				return err
			}
			b.Break()
		}
	}
	return rows.Error()
}
