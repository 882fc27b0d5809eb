package main

import (
	"os"
	"time"

	"github.com/FumingPower3925/h3stream/internal/loadtest"
	"github.com/FumingPower3925/h3stream/internal/logging"
	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	cfg := loadtest.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "bench [PATH]",
		Short: "Ramp up concurrent clients against a server and report throughput",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				cfg.Request.Path = args[0]
			}
			cfg.Logger = logging.New(os.Stderr, logging.DefaultConfig(), "h3stream")
			r, err := loadtest.NewRunner(cfg)
			if err != nil {
				return err
			}
			res, err := r.Run(cmd.Context())
			if err != nil {
				return err
			}
			return res.Print(cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "server address")
	f.IntVarP(&cfg.Clients, "clients", "c", cfg.Clients, "connections at full load")
	f.IntVar(&cfg.ClientsPerStep, "step", cfg.ClientsPerStep, "connections added per ramp-up interval")
	f.DurationVar(&cfg.RampUpInterval, "ramp", cfg.RampUpInterval, "ramp-up interval")
	f.DurationVarP(&cfg.Duration, "duration", "d", cfg.Duration, "length of the run")
	f.IntVarP(&cfg.Streams, "streams", "s", cfg.Streams, "concurrent streams per connection")
	f.DurationVar(&cfg.RequestTimeout, "timeout", 3*time.Second, "time allowed for one batch of streams")
	f.StringVarP(&cfg.Request.Method, "method", "X", cfg.Request.Method, "request method")
	return cmd
}
