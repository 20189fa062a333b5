package launch

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mpi "github.com/lwfm-proj/gompi"
	"github.com/lwfm-proj/gompi/internal/hostlist"
)

// TestHelperProcess is not a real test. It is the member program started by
// the launcher in the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GOMPI_WANT_HELPER") != "1" {
		return
	}
	switch os.Getenv("GOMPI_HELPER_MODE") {
	case "echo":
		fmt.Println(os.Getenv(EnvRank))
	case "fail":
		if os.Getenv(EnvRank) == os.Getenv("GOMPI_HELPER_FAIL_RANK") {
			os.Exit(3)
		}
		time.Sleep(time.Minute)
	case "group":
		ctx := context.Background()
		if err := mpi.InitContext(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(mpi.Rank())
		if err := mpi.FinalizeContext(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	os.Exit(0)
}

func helperJob(mode string, slots []hostlist.Slot, env ...string) (*Job, *bytes.Buffer) {
	var stdout bytes.Buffer
	return &Job{
		Program: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$", "--"},
		Slots:   slots,
		Timeout: 20 * time.Second,
		Env:     append([]string{"GOMPI_WANT_HELPER=1", "GOMPI_HELPER_MODE=" + mode}, env...),
		Stdout:  &stdout,
	}, &stdout
}

// loopbackSlots finds n free loopback ports.
func loopbackSlots(t *testing.T, n int) []hostlist.Slot {
	t.Helper()
	var slots []hostlist.Slot
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		slots = append(slots, hostlist.Slot{Host: "127.0.0.1", Addr: ln.Addr().String()})
		defer ln.Close()
	}
	return slots
}

func printedRanks(t *testing.T, out string) []int {
	t.Helper()
	var ranks []int
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		r, err := strconv.Atoi(line)
		require.NoError(t, err, "line %q", line)
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	return ranks
}

func TestRunEcho(t *testing.T) {
	slots, err := hostlist.Assign(hostlist.Local(3), 0)
	require.NoError(t, err)
	job, stdout := helperJob("echo", slots)

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []int{0, 1, 2}, printedRanks(t, stdout.String()))
	assert.NotEmpty(t, job.ID)
	assert.NotEmpty(t, job.Password)
	for _, m := range job.Members() {
		assert.Equal(t, Complete, m.Status)
		assert.Equal(t, 0, m.ExitCode)
		assert.True(t, m.Status.Done())
		assert.False(t, m.Finished.Before(m.Started))
	}

	var summary bytes.Buffer
	job.Summary(&summary)
	assert.Equal(t, 3, strings.Count(summary.String(), "COMPLETE"))
}

func TestRunFailureCancelsOthers(t *testing.T) {
	slots, err := hostlist.Assign(hostlist.Local(3), 0)
	require.NoError(t, err)
	job, _ := helperJob("fail", slots, "GOMPI_HELPER_FAIL_RANK=1")

	err = job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rank 1")

	members := job.Members()
	assert.Equal(t, Failed, members[1].Status)
	assert.Equal(t, 3, members[1].ExitCode)
	assert.Equal(t, Cancelled, members[0].Status)
	assert.Equal(t, Cancelled, members[2].Status)
}

func TestRunGroup(t *testing.T) {
	for _, n := range []int{1, 4} {
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			job, stdout := helperJob("group", loopbackSlots(t, n))
			require.NoError(t, job.Run(context.Background()))

			want := make([]int, n)
			for i := range want {
				want[i] = i
			}
			assert.Equal(t, want, printedRanks(t, stdout.String()))
		})
	}
}

func TestRunStartError(t *testing.T) {
	job := &Job{
		Program: "/nonexistent/gompi-member",
		Slots:   []hostlist.Slot{{Addr: ":5000"}},
	}
	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, job.Members()[0].Status)
	assert.Equal(t, -1, job.Members()[0].ExitCode)
}

func TestPrepare(t *testing.T) {
	assert.Error(t, (&Job{Slots: []hostlist.Slot{{Addr: ":1"}}}).prepare())
	assert.Error(t, (&Job{Program: "x"}).prepare())

	dup := &Job{Program: "x", Slots: []hostlist.Slot{{Addr: ":1"}, {Addr: ":1"}}}
	assert.ErrorIs(t, dup.prepare(), mpi.ErrAddrNotUnique)

	job := &Job{Program: "x", Slots: []hostlist.Slot{{Addr: "b:1"}, {Addr: "a:1"}}}
	require.NoError(t, job.prepare())
	assert.Equal(t, "a:1", job.Slots[0].Addr)
	assert.Equal(t, Pending, job.Members()[0].Status)

	cfg := job.config(1)
	assert.Equal(t, "b:1", cfg.Addr)
	assert.Equal(t, []string{"a:1", "b:1"}, cfg.Addrs)
	assert.Equal(t, job.Password, cfg.Password)
}

func TestRunners(t *testing.T) {
	ctx := context.Background()
	slot := hostlist.Slot{Host: "node7", Addr: "node7:5000"}
	env := []string{"GOMPI_RANK=0"}

	cmd := SSH{User: "me"}.Command(ctx, slot, "prog", []string{"-v"}, env)
	assert.Equal(t, []string{"ssh", "me@node7", "exec env GOMPI_RANK=0 prog -v"}, cmd.Args)
	assert.Nil(t, cmd.Stdin)

	cmd = SSH{}.Command(ctx, hostlist.Slot{Host: "localhost"}, "prog", nil, env)
	assert.Equal(t, []string{"prog"}, cmd.Args)
	assert.Contains(t, cmd.Env, "GOMPI_RANK=0")

	cmd = Srun{Cores: 12}.Command(ctx, slot, "prog", []string{"-v"}, env)
	assert.Equal(t, []string{"srun", "-N", "1", "-n", "1", "-c", "12", "--nodelist", "node7", "prog", "-v"}, cmd.Args)
	assert.Contains(t, cmd.Env, "GOMPI_RANK=0")
}

func TestSSHQuoting(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh")
	}
	ctx := context.Background()
	slot := hostlist.Slot{Host: "node7", Addr: "node7:5000"}
	password := "a b;touch /tmp/x"
	env := []string{"GOMPI_RANK=0", mpi.EnvPassword + "=" + password}
	args := []string{"-c", `printf '%s|' "$GOMPI_PASSWORD" "$@"`, "x", "hello world", "a;b $HOME"}

	cmd := SSH{Opts: []string{"-o", "BatchMode=yes"}}.Command(ctx, slot, "sh", args, env)
	require.Len(t, cmd.Args, 5)
	assert.Equal(t, []string{"ssh", "-o", "BatchMode=yes", "node7"}, cmd.Args[:4])
	for _, a := range cmd.Args {
		assert.NotContains(t, a, password)
	}
	require.NotNil(t, cmd.Stdin)

	// Run the remote command the way sshd would.
	remote := exec.Command(sh, "-c", cmd.Args[4])
	remote.Stdin = cmd.Stdin
	out, err := remote.Output()
	require.NoError(t, err)
	assert.Equal(t, password+"|hello world|a;b $HOME|", string(out))
}
