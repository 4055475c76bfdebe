package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Brownie44l1/plant-disease-api/internal/config"
	"github.com/Brownie44l1/plant-disease-api/internal/dataset"
	"github.com/Brownie44l1/plant-disease-api/internal/logger"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:          "splitdataset",
	Short:        "Split a per-class image dataset into train and val folders",
	Long:         "Copies the images of every class folder under --source into <output>/train/<class> and <output>/val/<class> using a seeded shuffle. The source tree is left unchanged.",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	config.SetDefaults(v)

	flags := rootCmd.Flags()
	flags.String("config-file", "", "Path to the config file")
	flags.String("env-file", "", "Path to the env file")
	flags.String("source", "data/MangoLeafBD Dataset", "Directory with one subfolder per class")
	flags.String("output", "data/mango_split", "Directory to write train/ and val/ into")
	flags.Float64("val-ratio", 0.2, "Fraction of each class copied to val")
	flags.Int64("seed", 42, "Shuffle seed")
	flags.Int("workers", runtime.NumCPU(), "Concurrent file copies")
	flags.Bool("progress", false, "Show per-class progress bars")

	v.BindPFlag("config_file", flags.Lookup("config-file"))
	v.BindPFlag("env_file", flags.Lookup("env-file"))
	v.BindPFlag("split.source", flags.Lookup("source"))
	v.BindPFlag("split.output", flags.Lookup("output"))
	v.BindPFlag("split.val_ratio", flags.Lookup("val-ratio"))
	v.BindPFlag("split.seed", flags.Lookup("seed"))
	v.BindPFlag("split.workers", flags.Lookup("workers"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.Environment)
	if err != nil {
		return err
	}
	defer log.Sync()

	var progress io.Writer
	if show, _ := cmd.Flags().GetBool("progress"); show {
		progress = cmd.ErrOrStderr()
	}

	splitter, err := dataset.NewSplitter(dataset.Options{
		Source:   cfg.Split.Source,
		Output:   cfg.Split.Output,
		ValRatio: cfg.Split.ValRatio,
		Seed:     cfg.Split.Seed,
		Workers:  cfg.Split.Workers,
		Progress: progress,
	}, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	results, err := splitter.Run(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var train, val, skipped int
	for _, r := range results {
		if r.Skipped {
			skipped++
			fmt.Fprintf(out, "%s: skipped (fewer than 2 images)\n", r.Class)
			continue
		}
		train += len(r.Train)
		val += len(r.Val)
		fmt.Fprintf(out, "%s: %d train, %d val\n", r.Class, len(r.Train), len(r.Val))
	}

	fmt.Fprintf(out, "\nSplit complete: %d classes, %d train, %d val", len(results)-skipped, train, val)
	if skipped > 0 {
		fmt.Fprintf(out, ", %d skipped", skipped)
	}
	fmt.Fprintf(out, "\nOutput: %s\n", cfg.Split.Output)
	return nil
}
