// Package launch starts the members of a group and follows them to the end.
// Every member is tracked as a job with a canonical status, so a caller can
// tell which ranks completed and which failed.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	mpi "github.com/lwfm-proj/gompi"
	"github.com/lwfm-proj/gompi/internal/hostlist"
)

// Environment variables set for every member in addition to the mpi.Config ones.
const (
	EnvRank = "GOMPI_RANK"
	EnvSize = "GOMPI_SIZE"
)

// Status is the canonical state of a member.
type Status string

const (
	Pending   Status = "PENDING"
	Running   Status = "RUNNING"
	Complete  Status = "COMPLETE"
	Failed    Status = "FAILED"
	Cancelled Status = "CANCELLED"
)

// Done reports whether the status is terminal.
func (s Status) Done() bool {
	return s == Complete || s == Failed || s == Cancelled
}

// Member is a snapshot of one member of a job.
type Member struct {
	Rank     int
	Host     string
	Addr     string
	Status   Status
	ExitCode int // -1 until the member exits, or if it never started
	Err      error
	Started  time.Time
	Finished time.Time
}

// Job is one run of a program on a group of members.
type Job struct {
	ID       string // generated if empty
	Program  string
	Args     []string
	Slots    []hostlist.Slot
	Protocol string
	Password string        // generated if empty
	Timeout  time.Duration // passed to the members as their init timeout
	Env      []string      // extra environment for every member

	// PassFlags appends the --mpi-* flags to the arguments of every member.
	// The password is only passed through the environment.
	PassFlags bool

	Runner Runner    // Local if nil
	Stdout io.Writer // os.Stdout if nil
	Stderr io.Writer // os.Stderr if nil
	Logger *zap.Logger

	mux     sync.Mutex
	members []*Member
}

// Members returns a snapshot of the members in rank order.
func (j *Job) Members() []Member {
	j.mux.Lock()
	defer j.mux.Unlock()
	out := make([]Member, len(j.members))
	for i, m := range j.members {
		out[i] = *m
	}
	return out
}

func (j *Job) update(rank int, f func(m *Member)) {
	j.mux.Lock()
	defer j.mux.Unlock()
	f(j.members[rank])
}

// prepare fills the defaults and orders the slots by rank.
func (j *Job) prepare() error {
	if j.Program == "" {
		return errors.New("launch: no program")
	}
	if len(j.Slots) == 0 {
		return errors.New("launch: no slots")
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Password == "" {
		j.Password = uuid.NewString()
	}
	if j.Protocol == "" {
		j.Protocol = "tcp"
	}
	if j.Runner == nil {
		j.Runner = Local{}
	}
	if j.Logger == nil {
		j.Logger = zap.NewNop()
	}
	j.Stdout = syncWriter(j.Stdout, os.Stdout)
	j.Stderr = syncWriter(j.Stderr, os.Stderr)

	addrs := make([]string, len(j.Slots))
	for i, s := range j.Slots {
		addrs[i] = s.Addr
	}
	if _, err := mpi.Ranks(addrs); err != nil {
		return err
	}
	// Members sort the addresses to find their rank, so sort the slots the
	// same way to know which rank each one gets.
	sort.Slice(j.Slots, func(a, b int) bool { return j.Slots[a].Addr < j.Slots[b].Addr })

	j.members = make([]*Member, len(j.Slots))
	for i, s := range j.Slots {
		j.members[i] = &Member{Rank: i, Host: s.Host, Addr: s.Addr, Status: Pending, ExitCode: -1}
	}
	return nil
}

// config is the runtime configuration of the member with the given rank.
func (j *Job) config(rank int) mpi.Config {
	addrs := make([]string, len(j.Slots))
	for i, s := range j.Slots {
		addrs[i] = s.Addr
	}
	return mpi.Config{
		Protocol: j.Protocol,
		Addr:     j.Slots[rank].Addr,
		Addrs:    addrs,
		Timeout:  j.Timeout,
		Password: j.Password,
	}
}

// Run starts every member and waits for all of them. If a member fails the
// others are killed, since the group can not form or finish without it.
// The returned error names every rank that failed.
func (j *Job) Run(ctx context.Context) error {
	if err := j.prepare(); err != nil {
		return err
	}
	log := j.Logger.With(zap.String("job", j.ID))
	log.Info("launching", zap.String("program", j.Program), zap.Int("size", len(j.Slots)))

	g, gctx := errgroup.WithContext(ctx)
	for rank := range j.Slots {
		g.Go(func() error {
			return j.runMember(gctx, log, rank)
		})
	}
	g.Wait()

	var errs error
	for _, m := range j.Members() {
		if m.Status == Failed {
			errs = multierr.Append(errs, fmt.Errorf("rank %v on %q: %w", m.Rank, m.Host, m.Err))
		}
	}
	if errs == nil && ctx.Err() != nil {
		errs = ctx.Err()
	}
	return errs
}

func (j *Job) runMember(ctx context.Context, log *zap.Logger, rank int) error {
	cfg := j.config(rank)
	env := append(cfg.Env(),
		EnvRank+"="+strconv.Itoa(rank),
		EnvSize+"="+strconv.Itoa(len(j.Slots)),
		mpi.EnvJobID+"="+j.ID,
	)
	env = append(env, j.Env...)
	args := append([]string(nil), j.Args...)
	if j.PassFlags {
		args = append(args, cfg.Args()...)
	}

	cmd := j.Runner.Command(ctx, j.Slots[rank], j.Program, args, env)
	cmd.Stdout = j.Stdout
	cmd.Stderr = j.Stderr
	cmd.WaitDelay = time.Second

	mlog := log.With(zap.Int("rank", rank), zap.String("addr", cfg.Addr))
	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			j.finish(rank, Cancelled, -1, ctx.Err())
			return ctx.Err()
		}
		j.finish(rank, Failed, -1, err)
		mlog.Error("start failed", zap.Error(err))
		return err
	}
	j.update(rank, func(m *Member) {
		m.Status = Running
		m.Started = time.Now()
	})
	mlog.Debug("started", zap.Int("pid", cmd.Process.Pid))

	err := cmd.Wait()
	code := cmd.ProcessState.ExitCode()
	switch {
	case err == nil:
		j.finish(rank, Complete, code, nil)
		mlog.Debug("complete")
		return nil
	case ctx.Err() != nil:
		j.finish(rank, Cancelled, code, ctx.Err())
		mlog.Warn("cancelled")
		return ctx.Err()
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			code = -1
		}
		j.finish(rank, Failed, code, err)
		mlog.Error("failed", zap.Int("exit", code), zap.Error(err))
		return err
	}
}

func (j *Job) finish(rank int, status Status, code int, err error) {
	j.update(rank, func(m *Member) {
		m.Status = status
		m.ExitCode = code
		m.Err = err
		m.Finished = time.Now()
	})
}

// Summary writes one line per member: rank, address, status and exit code.
func (j *Job) Summary(w io.Writer) {
	for _, m := range j.Members() {
		fmt.Fprintf(w, "rank %d\t%s\t%s\texit %d\n", m.Rank, m.Addr, m.Status, m.ExitCode)
	}
}

type lockedWriter struct {
	mux sync.Mutex
	w   io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mux.Lock()
	defer l.mux.Unlock()
	return l.w.Write(p)
}

// syncWriter serializes writes from the member copy goroutines. Files are
// handed to the members as is.
func syncWriter(w, def io.Writer) io.Writer {
	if w == nil {
		w = def
	}
	switch w.(type) {
	case *os.File, *lockedWriter:
		return w
	}
	return &lockedWriter{w: w}
}
