package report

import (
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Figure is a set of named series sharing an x axis. Points are appended
// together, one value per series, and x is the point index.
type Figure struct {
	Title  string
	XLabel string
	YLabel string
	Legend []string

	series [][]float64
	dir    string
}

func newFigure(dir, title string, axis [2]string, legend []string) (*Figure, error) {
	if len(legend) == 0 {
		return nil, errors.Errorf("figure %q needs at least one series", title)
	}
	return &Figure{
		Title:  title,
		XLabel: axis[0],
		YLabel: axis[1],
		Legend: legend,
		series: make([][]float64, len(legend)),
		dir:    dir,
	}, nil
}

// Add appends one value to each series. With persist set the figure is
// written to disk right away.
func (f *Figure) Add(values []float64, persist bool) error {
	if len(values) != len(f.series) {
		return errors.Errorf("figure %q has %d series, got %d values", f.Title, len(f.series), len(values))
	}
	for i, v := range values {
		f.series[i] = append(f.series[i], v)
	}
	if persist {
		return f.Save()
	}

	return nil
}

// Len returns the number of points per series.
func (f *Figure) Len() int {
	return len(f.series[0])
}

// Series returns a copy of the i-th series.
func (f *Figure) Series(i int) []float64 {
	return append([]float64(nil), f.series[i]...)
}

func (f *Figure) basename() string {
	return strings.ToLower(strings.ReplaceAll(f.Title, " ", "_"))
}

// Save writes the figure as <title>.png and its values as <title>.csv.
// Non-finite values are kept in the CSV but left out of the plot.
func (f *Figure) Save() error {
	if err := f.savePlot(filepath.Join(f.dir, f.basename()+".png")); err != nil {
		return err
	}
	return f.saveCSV(filepath.Join(f.dir, f.basename()+".csv"))
}

func (f *Figure) savePlot(path string) error {
	p := plot.New()
	p.Title.Text = f.Title
	p.X.Label.Text = f.XLabel
	p.Y.Label.Text = f.YLabel
	p.Legend.Top = true

	lines := make([]interface{}, 0, 2*len(f.series))
	for i, s := range f.series {
		pts := make(plotter.XYs, 0, len(s))
		for x, y := range s {
			if math.IsNaN(y) || math.IsInf(y, 0) {
				continue
			}
			pts = append(pts, plotter.XY{X: float64(x), Y: y})
		}
		if len(pts) == 0 {
			continue
		}
		lines = append(lines, f.Legend[i], pts)
	}
	if len(lines) > 0 {
		if err := plotutil.AddLinePoints(p, lines...); err != nil {
			return errors.Wrapf(err, "failed to plot figure %q", f.Title)
		}
	}

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save figure %q", path)
	}

	return nil
}

func (f *Figure) saveCSV(path string) error {
	cols := make([]series.Series, 0, len(f.series)+1)
	index := make([]int, f.Len())
	for i := range index {
		index[i] = i
	}
	cols = append(cols, series.New(index, series.Int, "index"))
	for i, s := range f.series {
		cols = append(cols, series.New(s, series.Float, f.Legend[i]))
	}
	df := dataframe.New(cols...)
	if df.Err != nil {
		return errors.Wrapf(df.Err, "failed to build table for %q", f.Title)
	}

	out, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	defer out.Close()

	if err := df.WriteCSV(out); err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}

	return nil
}
