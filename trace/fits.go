package trace

import (
	"io"
	"sort"
	"strings"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
)

// fitsMetaCards maps metadata labels to header keywords
var fitsMetaCards = map[string]string{
	MetaDesc: "DESC",
	MetaRoot: "ROOTKEY",
	MetaStep: "STEP",
}

func metaCards(meta map[string]string) []fitsio.Card {
	labels := make([]string, 0, len(meta))
	for k := range meta {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	var cards []fitsio.Card
	for _, label := range labels {
		name, ok := fitsMetaCards[label]
		if !ok {
			name = strings.ToUpper(strings.Trim(label, "_"))
			if len(name) > 8 {
				name = name[:8]
			}
		}
		if name == "" {
			continue
		}
		cards = append(cards, fitsio.Card{Name: name, Value: meta[label], Comment: label})
	}
	return cards
}

// WriteFITS writes runs to w as a FITS file, an empty primary HDU followed by
// one binary table per run.  Each column is a double named after its field;
// the run key, kind and metadata are stored in the table header
func WriteFITS(w io.Writer, runs []Run) error {
	if len(runs) == 0 {
		return ErrNoData
	}
	f, err := fitsio.Create(w)
	if err != nil {
		return errors.Wrap(err, "create fits")
	}
	defer f.Close()

	phdu := fitsio.NewImage(8, nil)
	defer phdu.Close()
	err = phdu.Header().Append(
		fitsio.Card{Name: "ORIGIN", Value: TextHeader[3:]},
		fitsio.Card{Name: "NRUNS", Value: len(runs), Comment: "number of measurement runs"},
	)
	if err != nil {
		return errors.Wrap(err, "primary header")
	}
	if err = f.Write(phdu); err != nil {
		return errors.Wrap(err, "primary hdu")
	}

	for _, run := range runs {
		if err := writeTable(f, run); err != nil {
			return errors.Wrap(err, run.Key)
		}
	}
	return nil
}

func writeTable(f *fitsio.File, run Run) error {
	cols := make([]fitsio.Column, len(run.Fields))
	for i, name := range run.Fields {
		cols[i] = fitsio.Column{Name: name, Format: "D"}
	}
	tbl, err := fitsio.NewTable(run.Key, cols, fitsio.BINARY_TBL)
	if err != nil {
		return err
	}
	defer tbl.Close()
	cards := []fitsio.Card{
		{Name: "RUNKEY", Value: run.Key},
		{Name: "KIND", Value: run.Kind},
	}
	if !run.Created.IsZero() {
		cards = append(cards, fitsio.Card{Name: "DATE", Value: run.Created.UTC().Format("2006-01-02T15:04:05.000")})
	}
	if err = tbl.Header().Append(append(cards, metaCards(run.Meta)...)...); err != nil {
		return err
	}
	row := make([]float64, len(run.Fields))
	args := make([]interface{}, len(row))
	for i := range row {
		args[i] = &row[i]
	}
	for i := 0; i < run.Len(); i++ {
		for j, name := range run.Fields {
			row[j] = run.Data[name][i]
		}
		if err = tbl.Write(args...); err != nil {
			return err
		}
	}
	return f.Write(tbl)
}
