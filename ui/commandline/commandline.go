// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line: a progress bar
// for the training loop, a report of the evaluation results and the parsing of configuration overrides.
package commandline

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/gomlx/disttrain/pkg/ml/train"
)

// ReportEval writes to w a table with the global results of an evaluation of the dataset named dsName.
// topK are the k of each accuracy in result.
func ReportEval(w io.Writer, dsName string, result train.EvalResult, topK []int) error {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	table.Row("Samples", humanize.Comma(int64(result.Count)))
	table.Row("Loss", fmt.Sprintf("%.4f", result.Loss))
	for ii, accuracy := range result.Accuracies {
		name := fmt.Sprintf("Accuracy #%d", ii)
		if ii < len(topK) {
			name = fmt.Sprintf("Prec@%d", topK[ii])
		}
		table.Row(name, fmt.Sprintf("%.3f%%", accuracy))
	}
	_, err := fmt.Fprintf(w, "Results on %s:\n%s\n", dsName, table.String())
	return err
}
