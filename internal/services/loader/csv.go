package loader

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cycletime-ingest/internal/services/normalize"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// csvLine is a parsed row, or the parse error of a malformed line
type csvLine struct {
	row normalize.Row
	err error
}

// readCSV reads a whole drop file in source order
func readCSV(path, machine string, delimiter rune) ([]csvLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	if head, _ := br.Peek(len(utf8BOM)); bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	if delimiter == 0 {
		delimiter = sniffDelimiter(br)
	}

	r := csv.NewReader(br)
	r.Comma = delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var lines []csvLine
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				lines = append(lines, csvLine{err: &normalize.ValidationError{
					Field: "row", Line: parseErr.Line, Err: normalize.ErrInvalid,
				}})
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if blank(fields) {
			continue
		}
		line, _ := r.FieldPos(0)
		lines = append(lines, csvLine{row: normalize.Row{Machine: machine, Line: line, Fields: fields}})
	}
	return lines, nil
}

// sniffDelimiter picks the most frequent candidate separator of the first line
func sniffDelimiter(br *bufio.Reader) rune {
	head, _ := br.Peek(4096)
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		head = head[:i]
	}
	best, bestCount := ',', 0
	for _, c := range []rune{',', ';', '\t'} {
		if n := strings.Count(string(head), string(c)); n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}

func blank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
