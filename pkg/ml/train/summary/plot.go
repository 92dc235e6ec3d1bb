// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"os"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// PlotWidth and PlotHeight are the dimensions of each metric type plot saved by SavePlot.
var (
	PlotWidth  = 10 * vg.Inch
	PlotHeight = 4 * vg.Inch
)

// PlotPoints creates one plot per metric type (losses, accuracies, learning rates, ...), with one line
// per metric name, with the global step in the X axis. Histogram points are not plotted.
//
// Plots are ordered by metric type name.
func PlotPoints(points []Point) ([]*plot.Plot, error) {
	byType := make(map[string]map[string]plotter.XYs)
	for _, point := range points {
		if point.MetricType == HistogramType {
			continue
		}
		lines, found := byType[point.MetricType]
		if !found {
			lines = make(map[string]plotter.XYs)
			byType[point.MetricType] = lines
		}
		lines[point.MetricName] = append(lines[point.MetricName], plotter.XY{X: point.Step, Y: point.Value})
	}

	types := make([]string, 0, len(byType))
	for metricType := range byType {
		types = append(types, metricType)
	}
	slices.Sort(types)
	plots := make([]*plot.Plot, 0, len(types))
	for _, metricType := range types {
		p := plot.New()
		p.Title.Text = metricType
		p.X.Label.Text = "global step"
		p.Y.Label.Text = metricType
		lines := byType[metricType]
		names := make([]string, 0, len(lines))
		for name := range lines {
			names = append(names, name)
		}
		slices.Sort(names)
		var args []any
		for _, name := range names {
			args = append(args, name, lines[name])
		}
		if err := plotutil.AddLinePoints(p, args...); err != nil {
			return nil, errors.Wrapf(err, "failed to plot metrics of type %q", metricType)
		}
		plots = append(plots, p)
	}
	return plots, nil
}

// SavePlot renders the plots of PlotPoints stacked vertically into a PNG file.
func SavePlot(points []Point, filePath string) error {
	plots, err := PlotPoints(points)
	if err != nil {
		return err
	}
	if len(plots) == 0 {
		return errors.New("no metrics to plot")
	}
	rows := make([][]*plot.Plot, len(plots))
	for ii, p := range plots {
		rows[ii] = []*plot.Plot{p}
	}
	img := vgimg.New(PlotWidth, PlotHeight*vg.Length(len(plots)))
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows: len(plots),
		Cols: 1,
		PadX: vg.Millimeter,
		PadY: 4 * vg.Millimeter,
	}
	canvases := plot.Align(rows, tiles, dc)
	for ii, p := range plots {
		p.Draw(canvases[ii][0])
	}

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create plot file %q", filePath)
	}
	png := vgimg.PngCanvas{Canvas: img}
	if _, err = png.WriteTo(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write plot to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close plot file %q", filePath)
}
