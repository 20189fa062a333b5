/*
gompirun is a helper for launching mpi jobs on a local machine, or on the hosts
listed in a host file.

Since Go is good at shared memory, generally programs should use Go's primitives
rather than MPI in a shared-memory environment. However, running locally can be
helpful for debugging and prototyping.

gompirun takes two arguments. The first argument is the number of instances to
launch, and the second argument is the command to run. Any additional
arguments will be passed to the program. Any shared memory parallelism should
be set in the program itself using runtime.GOMAXPROCS.

Instructions:
	go install github.com/lwfm-proj/gompi/mpirun/gompirun
	gompirun 8 programname -otherflag=value
	gompirun --hostfile hosts.yaml 16 programname

Hosts other than the local machine are reached with ssh. gompirun exits non-zero
if any instance fails, after printing the status of every rank to stderr.
*/
package main

import (
	"context"
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

var config struct {
	BasePort  int
	HostFile  string
	Password  string
	Timeout   time.Duration
	PassFlags bool
	SSHUser   string
	LogLevel  string
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gompirun N program [args...]",
		Short: "Launch N instances of an mpi program",
		Example: `  gompirun 4 rankhello
  gompirun --hostfile hosts.yaml --timeout 30s 8 rankhello --log-level=info`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runLaunch,
	}
	// Everything after the program name belongs to the program
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().IntVar(&config.BasePort, "base-port", hostlist.DefaultBasePort, "first port to use on every host")
	cmd.Flags().StringVar(&config.HostFile, "hostfile", "", "YAML file listing the hosts and their slots")
	cmd.Flags().StringVar(&config.Password, "password", "", "group password (generated if empty)")
	cmd.Flags().DurationVar(&config.Timeout, "timeout", 0, "init and finalize timeout for every instance")
	cmd.Flags().BoolVar(&config.PassFlags, "mpi-flags", true, "pass the --mpi-* flags to the program")
	cmd.Flags().StringVar(&config.SSHUser, "ssh-user", "", "login name for remote hosts")
	cmd.Flags().StringVar(&config.LogLevel, "log-level", "info", "log level: debug, info, warn or error")
	return cmd
}

// slots returns the first n slots of the host file, or n local slots. The
// host file's base port is used unless portSet.
func slots(n int, portSet bool) ([]hostlist.Slot, error) {
	if n < 1 {
		return nil, errors.New("number of nodes must be positive")
	}
	hosts, basePort := hostlist.Local(n), config.BasePort
	if config.HostFile != "" {
		f, err := hostlist.LoadFile(config.HostFile)
		if err != nil {
			return nil, err
		}
		if hostlist.Slots(f.Hosts) < n {
			return nil, fmt.Errorf("%v lists %v slots, %v needed", config.HostFile, hostlist.Slots(f.Hosts), n)
		}
		hosts = f.Hosts
		if f.BasePort != 0 && !portSet {
			basePort = f.BasePort
		}
	}
	all, err := hostlist.Assign(hosts, basePort)
	if err != nil {
		return nil, err
	}
	return all[:n], nil
}

func runLaunch(cmd *cobra.Command, args []string) error {
	log, err := logging.New(config.LogLevel, "gompirun")
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return err
	}
	defer log.Sync()

	nNodes, err := strconv.Atoi(args[0])
	if err != nil {
		log.Error("error parsing nNodes", zap.Error(err))
		return err
	}
	s, err := slots(nNodes, cmd.Flags().Changed("base-port"))
	if err != nil {
		log.Error("no slots", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, &launch.Job{
		Program:   args[1],
		Args:      args[2:],
		Slots:     s,
		Password:  config.Password,
		Timeout:   config.Timeout,
		PassFlags: config.PassFlags,
		Runner:    launch.SSH{User: config.SSHUser},
		Stdout:    cmd.OutOrStdout(),
		Stderr:    cmd.ErrOrStderr(),
		Logger:    log,
	}, log)
}

// execute runs the job and reports every rank when any of them failed.
func execute(ctx context.Context, job *launch.Job, log *zap.Logger) error {
	err := job.Run(ctx)
	if err != nil {
		log.Error("job failed", zap.String("job", job.ID), zap.Error(err))
		job.Summary(job.Stderr)
		return err
	}
	log.Info("job complete", zap.String("job", job.ID), zap.Int("size", len(job.Slots)))
	return nil
}
