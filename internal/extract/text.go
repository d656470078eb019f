package extract

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// textReadFactor bounds the bytes read per requested character.
const textReadFactor = 8

func extractText(ctx context.Context, path string, b *Builder) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(io.LimitReader(f, int64(b.limit*textReadFactor)))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := r.ReadString('\n')
		if werr := b.WriteString(line); werr != nil {
			return werr
		}
		b.Break()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}
}

// extractHTML keeps the text between tags and drops script and style bodies.
func extractHTML(ctx context.Context, path string, b *Builder) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if limit := b.limit * textReadFactor * 4; len(data) > limit {
		data = data[:limit]
	}
	s := string(data)
	lower := strings.ToLower(s)

	for i := 0; i < len(s); {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s[i] != '<' {
			j := strings.IndexByte(s[i:], '<')
			if j < 0 {
				j = len(s) - i
			}
			if err := b.WriteString(s[i : i+j]); err != nil {
				return err
			}
			i += j
			continue
		}
		end := strings.IndexByte(s[i:], '>')
		if end < 0 {
			return nil
		}
		tag := lower[i : i+end+1]
		i += end + 1
		b.Break()
		for _, skip := range []string{"script", "style"} {
			if strings.HasPrefix(tag, "<"+skip) {
				next := strings.Index(lower[i:], "</"+skip)
				if next < 0 {
					return nil
				}
				i += next
			}
		}
	}
	return nil
}
