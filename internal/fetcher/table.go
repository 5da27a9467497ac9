package fetcher

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// Row is one data row keyed by header column. Missing trailing cells are
// absent from the map.
type Row map[string]string

// TableOptions describes a delimited text table with a header line.
type TableOptions struct {
	// Delimiter separates cells; tab when zero.
	Delimiter rune
	// Comment marks lines to skip when it is the first character.
	Comment rune
	// Quoted enables CSV quoting rules. Registry exports leave it off: their
	// names contain bare quote characters.
	Quoted bool
}

// ReadTable reads r row by row and calls fn for every data row. Blank lines
// are skipped and a byte order mark before the header is dropped. Reading
// stops at the first error from fn or when ctx is done.
func ReadTable(ctx context.Context, r io.Reader, opts TableOptions, fn func(Row) error) error {
	next := lineReader(r, opts)

	var header []string
	for line := 0; ; line++ {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "table: read cancelled")
		}
		cells, err := next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "table: read line %d", line+1)
		}

		if header == nil {
			if len(cells) > 0 {
				cells[0] = strings.TrimPrefix(cells[0], "\ufeff")
			}
			header = cells
			continue
		}

		row := make(Row, len(header))
		for i, col := range header {
			if i < len(cells) {
				row[col] = cells[i]
			}
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

func lineReader(r io.Reader, opts TableOptions) func() ([]string, error) {
	delim := opts.Delimiter
	if delim == 0 {
		delim = '\t'
	}

	if opts.Quoted {
		cr := csv.NewReader(r)
		cr.Comma = delim
		cr.Comment = opts.Comment
		cr.FieldsPerRecord = -1
		return cr.Read
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	sep := string(delim)
	return func() ([]string, error) {
		for scanner.Scan() {
			line := strings.TrimSuffix(scanner.Text(), "\r")
			if line == "" || (opts.Comment != 0 && strings.HasPrefix(line, string(opts.Comment))) {
				continue
			}
			return strings.Split(line, sep), nil
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
}
