package mpi

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
)

// Environment variables read when the matching flag is not set. gompirun
// sets all of them for every member it starts.
const (
	EnvAddr        = "GOMPI_ADDR"
	EnvAllAddrs    = "GOMPI_ALLADDR"
	EnvInitTimeout = "GOMPI_INITTIMEOUT"
	EnvProtocol    = "GOMPI_PROTOCOL"
	EnvPassword    = "GOMPI_PASSWORD"
	EnvJobID       = "GOMPI_JOBID"
)

// Config holds the launch parameters of a group member. The runtimes take
// their zero-valued settings from it.
type Config struct {
	Protocol string        // Which network protocol to use (see net package for options)
	Addr     string        // Address of the local process
	Addrs    []string      // Addresses of all members. Addr must be among them
	Timeout  time.Duration // If set, Init and Finalize fail when they take longer
	Password string
}

var (
	flagMu     sync.Mutex
	flagConfig = Config{Protocol: "tcp"}
	flagSet    *pflag.FlagSet
)

// AddFlags registers the --mpi-* flags on fs, writing into c.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	if c.Protocol == "" {
		c.Protocol = "tcp"
	}
	fs.StringVar(&c.Addr, "mpi-addr", c.Addr, "address of the local running process")
	fs.StringSliceVar(&c.Addrs, "mpi-alladdr", c.Addrs, "addresses of all of the processes as comma separated values")
	fs.DurationVar(&c.Timeout, "mpi-inittimeout", c.Timeout, "duration to wait before timeout in init and finalize")
	fs.StringVar(&c.Protocol, "mpi-protocol", c.Protocol, "communication protocol to use")
	fs.StringVar(&c.Password, "mpi-password", c.Password, "value all members must share to join the group")
}

// AddFlags registers the package level --mpi-* flags on fs. The values are
// used by Init when no implementation was registered.
func AddFlags(fs *pflag.FlagSet) {
	flagMu.Lock()
	defer flagMu.Unlock()
	flagConfig.AddFlags(fs)
	flagSet = fs
}

// CurrentConfig returns the package level flags with the environment filling
// in every flag that was not set explicitly.
func CurrentConfig() Config {
	flagMu.Lock()
	c := flagConfig
	c.Addrs = append([]string(nil), flagConfig.Addrs...)
	fs := flagSet
	flagMu.Unlock()

	changed := func(name string) bool {
		return fs != nil && fs.Changed(name)
	}
	env := ConfigFromEnv(os.LookupEnv)
	if !changed("mpi-addr") && env.Addr != "" {
		c.Addr = env.Addr
	}
	if !changed("mpi-alladdr") && len(env.Addrs) != 0 {
		c.Addrs = env.Addrs
	}
	if !changed("mpi-inittimeout") && env.Timeout != 0 {
		c.Timeout = env.Timeout
	}
	if !changed("mpi-protocol") && env.Protocol != "" {
		c.Protocol = env.Protocol
	}
	if !changed("mpi-password") && env.Password != "" {
		c.Password = env.Password
	}
	return c
}

// ConfigFromEnv reads the GOMPI_ variables through lookup. Malformed
// durations are ignored.
func ConfigFromEnv(lookup func(string) (string, bool)) Config {
	var c Config
	if v, ok := lookup(EnvAddr); ok {
		c.Addr = v
	}
	if v, ok := lookup(EnvAllAddrs); ok && v != "" {
		for _, str := range strings.Split(v, ",") {
			if str = strings.TrimSpace(str); str != "" {
				c.Addrs = append(c.Addrs, str)
			}
		}
	}
	if v, ok := lookup(EnvInitTimeout); ok {
		if dur, err := time.ParseDuration(v); err == nil {
			c.Timeout = dur
		}
	}
	if v, ok := lookup(EnvProtocol); ok {
		c.Protocol = v
	}
	if v, ok := lookup(EnvPassword); ok {
		c.Password = v
	}
	return c
}

// Env returns the GOMPI_ environment that reproduces c, in os/exec form.
func (c Config) Env() []string {
	env := []string{
		EnvAddr + "=" + c.Addr,
		EnvAllAddrs + "=" + strings.Join(c.Addrs, ","),
		EnvProtocol + "=" + c.Protocol,
		EnvPassword + "=" + c.Password,
	}
	if c.Timeout > 0 {
		env = append(env, EnvInitTimeout+"="+c.Timeout.String())
	}
	return env
}

// Args returns the --mpi-* flags that reproduce c.
func (c Config) Args() []string {
	args := []string{"--mpi-addr=" + c.Addr, "--mpi-alladdr=" + strings.Join(c.Addrs, ",")}
	if c.Protocol != "" {
		args = append(args, "--mpi-protocol="+c.Protocol)
	}
	if c.Timeout > 0 {
		args = append(args, "--mpi-inittimeout="+c.Timeout.String())
	}
	return args
}
