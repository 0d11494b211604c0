// Command hanode runs a broker node or a test producer against one.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/risa-org/hacore/config"
	"github.com/risa-org/hacore/logger"
)

func main() {
	initViper()

	root := &cobra.Command{
		Use:           "hanode",
		Short:         "Highly available broker node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newProduceCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads path over the defaults, or returns the defaults when
// path is empty.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.NewConfig(), nil
	}
	return config.Load(path)
}

func newLogger(c logger.Config) (*zap.Logger, error) {
	return logger.New(os.Stderr, c)
}
