package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sailfishos/corereduce/pkg/elfcore"
	"github.com/sailfishos/corereduce/pkg/logflags"
	"github.com/sailfishos/corereduce/pkg/reduceconfig"
	"github.com/sailfishos/corereduce/pkg/reducer"
)

var (
	inputCore  string
	outputCore string
	executable string
	heapAddr   string
	mapsFile   string
	stacksOnly bool
	configPath string

	logFlag   bool
	logOutput string
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "corereduce",
		Short:         "Shrinks an ELF core dump down to its threads' stacks and dynamic-linker state.",
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCommand.Flags()
	flags.StringVarP(&inputCore, "input", "i", "", "input core file (required)")
	flags.StringVarP(&outputCore, "output", "o", "", "output core file (required)")
	flags.StringVarP(&executable, "executable", "e", "", "executable that produced the core (required)")
	flags.StringVarP(&heapAddr, "heap-address", "a", "", "hex virtual address for the synthetic link-map segment")
	flags.StringVarP(&mapsFile, "maps", "m", "", "/proc/<pid>/maps snapshot; forces link-map synthesis")
	flags.BoolVarP(&stacksOnly, "stacks-only", "s", false, "skip dynamic-linker/link-map reconstruction")
	flags.StringVar(&configPath, "config", "", "reduceconfig YAML override file")
	flags.BoolVar(&logFlag, "log", false, "enable diagnostic logging")
	flags.StringVar(&logOutput, "log-output", "", "comma-separated components to log (reducer,notes,linkmap,writer,procmaps,richcore)")

	rootCommand.MarkFlagRequired("input")
	rootCommand.MarkFlagRequired("output")
	rootCommand.MarkFlagRequired("executable")

	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(logFlag, logOutput); err != nil {
		return err
	}

	cfg, err := reduceconfig.Load(configPath)
	if err != nil {
		return err
	}

	opts := reducer.Options{
		InputCore:  inputCore,
		OutputCore: outputCore,
		Executable: executable,
		MapsFile:   mapsFile,
		StacksOnly: stacksOnly,
		Config:     cfg,
	}
	if heapAddr != "" {
		addr, err := parseHexAddr(heapAddr)
		if err != nil {
			return fmt.Errorf("--heap-address: %w", err)
		}
		opts.HeapAddress = &addr
	}

	r := reducer.New(opts)
	defer r.Close()

	if err := r.Run(); err != nil {
		os.Remove(outputCore)
		return err
	}
	return nil
}

func parseHexAddr(s string) (elfcore.Addr, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, err
	}
	return elfcore.Addr(v), nil
}
