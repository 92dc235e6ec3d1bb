package main

import (
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/gomlx/disttrain/pkg/ml/checkpoints"
	"github.com/gomlx/disttrain/pkg/ml/train/summary"
	"github.com/gomlx/disttrain/pkg/support/fsutil"
)

type inspectOptions struct {
	summary      bool
	vars         bool
	optimizer    bool
	metrics      bool
	logDir       string
	metricsNames string
	metricsTypes string
	plotFile     string

	out io.Writer
}

func newInspectCmd() *cobra.Command {
	opts := &inspectOptions{out: os.Stdout}
	cmd := &cobra.Command{
		Use:   "inspect [flags] CHECKPOINT",
		Short: "Report the contents of a checkpoint and the metrics collected during training",
		Long: `Report the contents of CHECKPOINT: either a checkpoint directory, in which case its latest checkpoint
is used, or the base path of a checkpoint (e.g. "checkpoints/model_best").`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(opts, args[0])
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&opts.summary, "summary", true, "Display a summary of the checkpoint.")
	flags.BoolVar(&opts.vars, "vars", false, "List the model variables.")
	flags.BoolVar(&opts.optimizer, "optimizer", false, "List the optimizer variables, with --vars.")
	flags.BoolVar(&opts.metrics, "metrics", false,
		fmt.Sprintf("List the metrics collected in the file %q of --log-dir.", summary.PointsFileName))
	flags.StringVar(&opts.logDir, "log-dir", "", "Directory with the metrics file, defaults to the checkpoint directory.")
	flags.StringVar(&opts.metricsNames, "metrics-names", "", "Comma-separated list of metric names to include in the metrics report.")
	flags.StringVar(&opts.metricsTypes, "metrics-types", "", "Comma-separated list of metric types to include in the metrics report.")
	flags.StringVar(&opts.plotFile, "plot", "", "Save a PNG plot of the metrics to the given file, with --metrics.")
	return cmd
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool, alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row < 0 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				// Even row style.
				s = oddRowStyle
			default:
				// Odd row style
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			s = s.Align(alignment)
			return
		})
}

func inspect(opts *inspectOptions, checkpointPath string) error {
	checkpointPath, err := fsutil.ReplaceTildeInDir(checkpointPath)
	if err != nil {
		return err
	}
	if opts.summary || opts.vars {
		state, err := checkpoints.Load(checkpointPath)
		if err != nil {
			return err
		}
		if opts.summary {
			printSummary(opts.out, checkpointPath, state)
		}
		if opts.vars {
			printVariables(opts.out, "Model variables", state.Model)
			if opts.optimizer {
				printVariables(opts.out, "Optimizer variables", state.Optimizer)
			}
		}
	}
	if opts.metrics {
		logDir := opts.logDir
		if logDir == "" {
			logDir = checkpointPath
			if info, err := os.Stat(checkpointPath); err != nil || !info.IsDir() {
				logDir = filepath.Dir(checkpointPath)
			}
		}
		logDir, err = fsutil.ReplaceTildeInDir(logDir)
		if err != nil {
			return err
		}
		return printMetrics(opts, filepath.Join(logDir, summary.PointsFileName))
	}
	return nil
}

func countParams(vars []checkpoints.Variable) int {
	var total int
	for _, v := range vars {
		total += v.Size()
	}
	return total
}

func printSummary(out io.Writer, checkpointPath string, state *checkpoints.State) {
	_, _ = fmt.Fprintln(out, titleStyle.Render("Summary"))
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	table.Row("checkpoint", checkpointPath)
	table.Row("arch", state.Arch)
	table.Row("epoch", humanize.Comma(int64(state.Epoch)))
	table.Row("best score", fmt.Sprintf("%.3f%%", state.BestScore))
	if state.RunID != "" {
		table.Row("run id", state.RunID)
	}
	numParams := countParams(state.Model)
	table.Row("# variables", humanize.Comma(int64(len(state.Model))))
	table.Row("# parameters", humanize.Comma(int64(numParams)))
	table.Row("# bytes", humanize.Bytes(uint64(8*numParams)))
	table.Row("# optimizer parameters", humanize.Comma(int64(countParams(state.Optimizer))))
	for _, key := range slices.Sorted(maps.Keys(state.Scalars)) {
		table.Row(key, fmt.Sprintf("%g", state.Scalars[key]))
	}
	_, _ = fmt.Fprintln(out, table.Render())
}

func printVariables(out io.Writer, title string, vars []checkpoints.Variable) {
	_, _ = fmt.Fprintln(out, titleStyle.Render(title))
	table := newPlainTable(true, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Name", "Shape", "Size", "Bytes")
	for _, v := range vars {
		dims := make([]string, len(v.Dimensions))
		for ii, dim := range v.Dimensions {
			dims[ii] = fmt.Sprint(dim)
		}
		table.Row(v.Name, "("+strings.Join(dims, ", ")+")",
			humanize.Comma(int64(v.Size())), humanize.Bytes(uint64(8*v.Size())))
	}
	_, _ = fmt.Fprintln(out, table.Render())
}

func splitList(list string) map[string]bool {
	if list == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, name := range strings.Split(list, ",") {
		set[strings.TrimSpace(name)] = true
	}
	return set
}

// printMetrics prints one row per global step with the scalar metrics collected by the coordinator.
func printMetrics(opts *inspectOptions, pointsPath string) error {
	points, err := summary.LoadPoints(pointsPath)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return errors.Errorf("no metrics found in %q", pointsPath)
	}
	_, _ = fmt.Fprintln(opts.out, titleStyle.Render("Metrics"))

	metricsNames, metricsTypes := splitList(opts.metricsNames), splitList(opts.metricsTypes)
	metricsUsed := make(map[string]bool)
	for _, point := range points {
		if point.MetricType == summary.HistogramType {
			continue
		}
		if metricsNames != nil || metricsTypes != nil {
			foundName := metricsNames[point.MetricName] || metricsNames[point.Short]
			foundType := metricsTypes[point.MetricType]
			if !foundName && !foundType {
				continue
			}
		}
		metricsUsed[point.MetricName] = true
	}

	// Position of each metric in the row, starting from 1: position 0 is the global step.
	// Names given by the user come first, in the given order.
	metricsOrder := make(map[string]int)
	nextPos := 1
	for _, name := range strings.Split(opts.metricsNames, ",") {
		name = strings.TrimSpace(name)
		if _, found := metricsOrder[name]; !found && metricsUsed[name] {
			metricsOrder[name] = nextPos
			nextPos++
		}
	}
	for _, name := range slices.Sorted(maps.Keys(metricsUsed)) {
		if _, found := metricsOrder[name]; found {
			continue
		}
		metricsOrder[name] = nextPos
		nextPos++
	}

	table := newPlainTable(true, lipgloss.Right)
	header := make([]string, 1+len(metricsUsed))
	header[0] = "Global Step"
	for name, idx := range metricsOrder {
		header[idx] = name
	}
	table.Headers(header...)

	if opts.plotFile != "" {
		selected := make([]summary.Point, 0, len(points))
		for _, point := range points {
			if metricsUsed[point.MetricName] {
				selected = append(selected, point)
			}
		}
		if err := summary.SavePlot(selected, opts.plotFile); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(opts.out, "Metrics plot saved to %q\n", opts.plotFile)
	}

	// Points of each step are contiguous: evaluation points use the step of the last training step.
	currentStep := int64(-1)
	var currentRow []string
	for _, point := range points {
		idx, found := metricsOrder[point.MetricName]
		if !found {
			continue
		}
		step := int64(point.Step)
		if step != currentStep {
			if currentRow != nil {
				table.Row(currentRow...)
			}
			currentStep = step
			currentRow = make([]string, 1+len(metricsUsed))
			currentRow[0] = humanize.Comma(step)
		}
		switch point.MetricType {
		case summary.AccuracyType:
			currentRow[idx] = fmt.Sprintf("%.2f%%", point.Value)
		default:
			currentRow[idx] = fmt.Sprintf("%.4f", point.Value)
		}
	}
	if currentRow != nil {
		table.Row(currentRow...)
	}
	_, _ = fmt.Fprintln(opts.out, table.Render())
	return nil
}
