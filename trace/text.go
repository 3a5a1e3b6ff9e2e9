package trace

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// TextHeader is the first line of every text trace file
	TextHeader = "*! QVisaWidget v1.1"

	notePrefix = "*! NOTE "
	keyPrefix  = "#! "
)

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// WriteText writes runs to w in the tab separated trace format:
//
//	*! QVisaWidget v1.1
//	*! NOTE <note>
//	#! <key>
//	t\t\tV\t\tI\t\t
//	0\t0.5\t-0.001\t
//
// with two blank lines after each run.  The note line is omitted if note is
// empty.  ErrNoData is returned if there are no runs
func WriteText(w io.Writer, runs []Run, note string) error {
	if len(runs) == 0 {
		return ErrNoData
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, TextHeader)
	if note != "" {
		fmt.Fprintf(bw, "%s%s\n", notePrefix, note)
	}
	for _, run := range runs {
		fmt.Fprintf(bw, "%s%s\n", keyPrefix, run.Key)
		for _, f := range run.Fields {
			fmt.Fprintf(bw, "%s\t\t", f)
		}
		bw.WriteString("\n")
		for i := 0; i < run.Len(); i++ {
			for _, f := range run.Fields {
				col := run.Data[f]
				if i < len(col) {
					bw.WriteString(formatFloat(col[i]))
				}
				bw.WriteString("\t")
			}
			bw.WriteString("\n")
		}
		bw.WriteString("\n\n")
	}
	return errors.Wrap(bw.Flush(), "write trace")
}

// ReadText parses a file written by WriteText, returning the runs and note.
// Kind, Meta and Created are not carried by the format and are left empty
func ReadText(r io.Reader) ([]Run, string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var (
		runs   []Run
		note   string
		cur    *Run
		lineno int
	)
	flush := func() {
		if cur != nil {
			runs = append(runs, *cur)
			cur = nil
		}
	}
	for sc.Scan() {
		lineno++
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case lineno == 1:
			if !strings.HasPrefix(line, "*!") {
				return nil, "", errors.Errorf("trace header missing, got %q", line)
			}
		case strings.HasPrefix(line, notePrefix) && cur == nil && len(runs) == 0:
			note = strings.TrimPrefix(line, notePrefix)
		case strings.HasPrefix(line, keyPrefix):
			flush()
			cur = &Run{Key: strings.TrimPrefix(line, keyPrefix), Data: map[string][]float64{}, Meta: map[string]string{}}
		case cur == nil:
			if strings.TrimSpace(line) != "" {
				return nil, "", errors.Errorf("line %d: data outside of a run", lineno)
			}
		case cur.Fields == nil:
			for _, f := range strings.Split(line, "\t") {
				if f != "" {
					cur.Fields = append(cur.Fields, f)
					cur.Data[f] = []float64{}
				}
			}
			if cur.Fields == nil {
				return nil, "", errors.Errorf("line %d: run %s has no fields", lineno, cur.Key)
			}
		case strings.TrimSpace(line) == "":
			flush()
		default:
			vals := strings.Split(strings.TrimSuffix(line, "\t"), "\t")
			if len(vals) != len(cur.Fields) {
				return nil, "", errors.Errorf("line %d: expected %d values got %d", lineno, len(cur.Fields), len(vals))
			}
			for i, v := range vals {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return nil, "", errors.Wrapf(err, "line %d", lineno)
				}
				cur.Data[cur.Fields[i]] = append(cur.Data[cur.Fields[i]], f)
			}
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, "", errors.Wrap(err, "read trace")
	}
	if lineno == 0 {
		return nil, "", errors.New("empty trace file")
	}
	return runs, note, nil
}
