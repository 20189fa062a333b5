/*
Launches MPI tasks within a slurm environment. To use, first allocate nodes with
salloc, and then call
gompirunslurm ncores programname otherargs. For example,
salloc -N6 -c12
gompirunslurm 12 rankhello

Note that this syntax differs than that for gompirun. Number of cores here is the
number of cores per distributed process (not the number of processes).

gompirunslurm uses srun to launch the program within the allocation, one per
allocated node.
*/
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lwfm-proj/gompi/internal/hostlist"
	"github.com/lwfm-proj/gompi/internal/launch"
	"github.com/lwfm-proj/gompi/internal/logging"
)

const nodelistEnv = "SLURM_JOB_NODELIST"

func main() {
	if err := newCommand(os.LookupEnv).Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand(lookup func(string) (string, bool)) *cobra.Command {
	var (
		basePort int
		timeout  time.Duration
		logLevel string
	)
	cmd := &cobra.Command{
		Use:           "gompirunslurm ncores program [args...]",
		Short:         "Launch an mpi program on every node of a slurm allocation",
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(logLevel, "gompirunslurm")
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			defer log.Sync()

			job, err := newJob(lookup, args, basePort, timeout)
			if err != nil {
				log.Error("cannot launch", zap.Error(err))
				return err
			}
			job.Stdout, job.Stderr, job.Logger = cmd.OutOrStdout(), cmd.ErrOrStderr(), log

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := job.Run(ctx); err != nil {
				log.Error("job failed", zap.String("job", job.ID), zap.Error(err))
				job.Summary(job.Stderr)
				return err
			}
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().IntVar(&basePort, "base-port", hostlist.DefaultBasePort, "port to use on every node")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "init and finalize timeout for every instance")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	return cmd
}

// newJob builds a job with one member per allocated node.
func newJob(lookup func(string) (string, bool), args []string, basePort int, timeout time.Duration) (*launch.Job, error) {
	nCores, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, fmt.Errorf("parsing number of cores: %w", err)
	}
	if nCores < 1 {
		return nil, errors.New("must have at least one core")
	}
	nodelistStr, ok := lookup(nodelistEnv)
	if !ok || nodelistStr == "" {
		return nil, fmt.Errorf("%v not set, run inside salloc", nodelistEnv)
	}
	nodelist, err := hostlist.Expand(nodelistStr)
	if err != nil {
		return nil, err
	}
	hosts := make([]hostlist.Host, len(nodelist))
	for i, node := range nodelist {
		hosts[i] = hostlist.Host{Name: node, Slots: 1}
	}
	slots, err := hostlist.Assign(hosts, basePort)
	if err != nil {
		return nil, err
	}
	return &launch.Job{
		Program:   args[1],
		Args:      args[2:],
		Slots:     slots,
		Timeout:   timeout,
		PassFlags: true,
		Runner:    launch.Srun{Cores: nCores},
	}, nil
}
