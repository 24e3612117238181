package codelist

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// CSVOptions names the columns read from codelist CSV files. Files are
// expected to carry a header row.
type CSVOptions struct {
	System         string
	CodeColumn     string
	CategoryColumn string
	TermColumn     string
}

func (o CSVOptions) withDefaults() CSVOptions {
	if o.System == "" {
		o.System = SystemSNOMED
	}
	if o.CodeColumn == "" {
		o.CodeColumn = "code"
	}
	if o.CategoryColumn == "" {
		o.CategoryColumn = "category"
	}
	if o.TermColumn == "" {
		o.TermColumn = "term"
	}
	return o
}

type csvRepo struct {
	lists []*Codelist
	index map[string]*Codelist
}

// NewCSVRepo loads every *.csv file in dir. The codelist name is the file
// stem; a stem of the form "name@version" also sets the version.
func NewCSVRepo(dir string, opts CSVOptions) (Repository, error) {
	opts = opts.withDefaults()

	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, fmt.Errorf("list codelists in %s: %w", dir, err)
	}
	sort.Strings(paths)

	r := &csvRepo{index: make(map[string]*Codelist, len(paths))}
	for _, p := range paths {
		stem := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		name, version, _ := strings.Cut(stem, "@")

		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open codelist %s: %w", p, err)
		}
		cl, err := ReadCSV(f, name, version, opts)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read codelist %s: %w", p, err)
		}
		if _, dup := r.index[name]; dup {
			return nil, fmt.Errorf("codelist %s defined more than once in %s", name, dir)
		}
		r.index[name] = cl
		r.lists = append(r.lists, cl)
	}
	return r, nil
}

// ReadCSV parses a single codelist from r.
func ReadCSV(r io.Reader, name, version string, opts CSVOptions) (*Codelist, error) {
	opts = opts.withDefaults()
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty codelist file")
		}
		return nil, err
	}

	codeIdx, catIdx, termIdx := -1, -1, -1
	for i, col := range header {
		switch strings.TrimSpace(col) {
		case opts.CodeColumn:
			codeIdx = i
		case opts.CategoryColumn:
			catIdx = i
		case opts.TermColumn:
			termIdx = i
		}
	}
	if codeIdx < 0 {
		return nil, fmt.Errorf("missing code column %q", opts.CodeColumn)
	}

	var codes []Code
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if codeIdx >= len(rec) {
			continue
		}
		c := Code{Code: strings.TrimSpace(rec[codeIdx])}
		if catIdx >= 0 && catIdx < len(rec) {
			c.Category = strings.TrimSpace(rec[catIdx])
		}
		if termIdx >= 0 && termIdx < len(rec) {
			c.Term = strings.TrimSpace(rec[termIdx])
		}
		codes = append(codes, c)
	}
	return New(name, opts.System, version, codes), nil
}

func (r *csvRepo) List(_ context.Context, limit, offset int) ([]*Codelist, int, error) {
	total := len(r.lists)
	if offset >= total {
		return []*Codelist{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return r.lists[offset:end], total, nil
}

func (r *csvRepo) GetByName(_ context.Context, name string) (*Codelist, error) {
	cl, ok := r.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return cl, nil
}
