package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sailfishos/corereduce/pkg/logflags"
	"github.com/sailfishos/corereduce/pkg/richcore"
)

var (
	logFlag   bool
	logOutput string
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "richcore-extract <input-archive> [output-directory]",
		Short:         "Splits a rich-core archive into its constituent files.",
		Args:          cobra.RangeArgs(1, 2),
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCommand.Flags().BoolVar(&logFlag, "log", false, "enable diagnostic logging")
	rootCommand.Flags().StringVar(&logOutput, "log-output", "", "comma-separated components to log")

	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(logFlag, logOutput); err != nil {
		return err
	}

	inputPath := args[0]
	outputDir := ""
	if len(args) == 2 {
		outputDir = args[1]
	} else {
		derived, ok := richcore.DeriveOutputDir(inputPath)
		if !ok {
			return fmt.Errorf("please specify an output directory")
		}
		outputDir = derived
	}

	paths, err := richcore.Extract(inputPath, outputDir)
	if err != nil {
		return err
	}

	log := logflags.RichCoreLogger()
	for _, p := range paths {
		log.Debugf("extracted %s", p)
	}
	fmt.Printf("extracted %d file(s) to %s\n", len(paths), outputDir)
	return nil
}
