// disttrain trains and evaluates the reference classifier with data-parallel workers, aggregating the
// training and evaluation metrics exactly across all of them.
//
// Each worker is a separate process started by a launcher that sets WORLD_SIZE, RANK, MASTER_ADDR and
// MASTER_PORT; rank 0 (the coordinator) serves the collectives. For a quick run, --local-world=N simulates
// N workers in one process:
//
//	disttrain train --local-world=3 --progress config.toml
//	disttrain inspect --vars --metrics --log-dir=~/disttrain/logs ~/disttrain/checkpoints
package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "disttrain",
		Short: "Distributed training with exact metrics aggregation",
		Long: `disttrain trains a classifier with data-parallel workers. Training and evaluation metrics ` +
			`are aggregated exactly over all the workers, including the last uneven chunk of the validation data.`,
		SilenceUsage: true,
	}

	goFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(goFlags)

	rootCmd.AddCommand(newTrainCmd(), newInspectCmd())

	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("disttrain: %+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
