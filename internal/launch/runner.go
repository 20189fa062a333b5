package launch

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"

	mpi "github.com/lwfm-proj/gompi"
	"github.com/lwfm-proj/gompi/internal/hostlist"
)

// Runner builds the command that starts one member on its host.
type Runner interface {
	Command(ctx context.Context, slot hostlist.Slot, program string, args, env []string) *exec.Cmd
}

// Local starts every member on this machine, whatever host its slot names.
type Local struct{}

func (Local) Command(ctx context.Context, slot hostlist.Slot, program string, args, env []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd
}

// SSH starts members on remote hosts through ssh. Slots on the local machine
// are started directly. The remote login shell must be a POSIX shell.
type SSH struct {
	User string   // login name, if not the current user
	Opts []string // extra ssh options, e.g. "-o", "BatchMode=yes"
}

func isLocal(host string) bool {
	return host == "" || host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// Command runs program through env on the remote host. ssh hands its command
// to the remote shell as one string, so every word is quoted. The password is
// written to the remote shell's stdin instead of the command line, where ps
// would show it.
func (s SSH) Command(ctx context.Context, slot hostlist.Slot, program string, args, env []string) *exec.Cmd {
	if isLocal(slot.Host) {
		return Local{}.Command(ctx, slot, program, args, env)
	}
	target := slot.Host
	if s.User != "" {
		target = s.User + "@" + target
	}

	var (
		password    string
		hasPassword bool
		words       = []string{"env"}
	)
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, mpi.EnvPassword+"="); ok {
			password, hasPassword = v, true
			continue
		}
		words = append(words, kv)
	}
	words = append(words, program)
	words = append(words, args...)

	remote := "exec " + shellescape.QuoteCommand(words)
	if hasPassword {
		remote = "IFS= read -r " + mpi.EnvPassword + " && export " + mpi.EnvPassword + " && " + remote
	}

	a := append([]string(nil), s.Opts...)
	a = append(a, target, remote)
	cmd := exec.CommandContext(ctx, "ssh", a...)
	if hasPassword {
		cmd.Stdin = strings.NewReader(password + "\n")
	}
	return cmd
}

// Srun starts each member as a one task step inside a SLURM allocation.
type Srun struct {
	Cores int // cores per member; srun's default if zero
}

func (s Srun) Command(ctx context.Context, slot hostlist.Slot, program string, args, env []string) *exec.Cmd {
	a := []string{"-N", "1", "-n", "1"}
	if s.Cores > 0 {
		a = append(a, "-c", strconv.Itoa(s.Cores))
	}
	if slot.Host != "" {
		a = append(a, "--nodelist", slot.Host)
	}
	a = append(a, program)
	a = append(a, args...)
	cmd := exec.CommandContext(ctx, "srun", a...)
	cmd.Env = append(os.Environ(), env...)
	return cmd
}
