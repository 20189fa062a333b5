package mpi

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Single is a group of one process. It is used when a program is started
// without a launcher, and so its Rank is 0 and its Size is 1 after Init.
type Single struct {
	mux    sync.Mutex
	active bool
}

func (s *Single) Init(ctx context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.active {
		return ErrAlreadyInitialized
	}
	s.active = true
	log().Debug("initialized single process group")
	return nil
}

func (s *Single) Finalize(ctx context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if !s.active {
		return ErrNotInitialized
	}
	s.active = false
	return nil
}

func (s *Single) Rank() int {
	if s.Size() == 0 {
		return -1
	}
	return 0
}

func (s *Single) Size() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	if !s.active {
		return 0
	}
	return 1
}

// rankVars are the rank and size variables set by known launchers, in the
// order they are consulted. An entry only matches when both are set; srun
// --mpi=pmix sets PMIX_RANK without PMI_SIZE, and the slurm entries then
// describe the group. Inside a job step SLURM_NTASKS counts the whole job.
var rankVars = []struct {
	launcher string
	rank     string
	size     string
}{
	{"gompirun", "GOMPI_RANK", "GOMPI_SIZE"},
	{"openmpi", "OMPI_COMM_WORLD_RANK", "OMPI_COMM_WORLD_SIZE"},
	{"pmix", "PMIX_RANK", "PMI_SIZE"},
	{"pmi", "PMI_RANK", "PMI_SIZE"},
	{"slurm", "SLURM_PROCID", "SLURM_STEP_NUM_TASKS"},
	{"slurm", "SLURM_PROCID", "SLURM_NTASKS"},
}

// Environ reads the rank and size that an external launcher assigned to this
// process. Environ does not talk to the other members: the launcher owns
// group membership.
type Environ struct {
	// Lookup reads an environment variable. os.LookupEnv is used if nil.
	Lookup func(string) (string, bool)

	mux      sync.Mutex
	myrank   int
	nNodes   int
	launcher string
}

// LauncherEnv reports whether lookup sees the rank variables of any known
// launcher.
func LauncherEnv(lookup func(string) (string, bool)) bool {
	for _, v := range rankVars {
		if _, ok := lookup(v.rank); ok {
			return true
		}
	}
	return false
}

func (e *Environ) Init(ctx context.Context) error {
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.nNodes != 0 {
		return ErrAlreadyInitialized
	}
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var missing error
	for _, v := range rankVars {
		rankStr, ok := lookup(v.rank)
		if !ok {
			continue
		}
		sizeStr, ok := lookup(v.size)
		if !ok {
			if missing == nil {
				missing = fmt.Errorf("mpi environ: %s set without %s", v.rank, v.size)
			}
			continue
		}
		rank, err := strconv.Atoi(rankStr)
		if err != nil {
			return fmt.Errorf("mpi environ: parsing %s: %w", v.rank, err)
		}
		size, err := strconv.Atoi(sizeStr)
		if err != nil {
			return fmt.Errorf("mpi environ: parsing %s: %w", v.size, err)
		}
		if size < 1 || rank < 0 || rank >= size {
			return BadRankError{Rank: rank, Size: size}
		}
		e.myrank, e.nNodes, e.launcher = rank, size, v.launcher
		log().Debug("initialized from launcher environment",
			zap.String("launcher", v.launcher),
			zap.Int("rank", rank),
			zap.Int("size", size),
		)
		return nil
	}
	if missing != nil {
		return missing
	}
	return fmt.Errorf("mpi environ: no launcher rank variable set")
}

func (e *Environ) Finalize(ctx context.Context) error {
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.nNodes == 0 {
		return ErrNotInitialized
	}
	e.nNodes = 0
	return nil
}

func (e *Environ) Rank() int {
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.nNodes == 0 {
		return -1
	}
	return e.myrank
}

func (e *Environ) Size() int {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.nNodes
}

// Launcher names the launcher whose variables were used, or "" before Init.
func (e *Environ) Launcher() string {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.launcher
}

// Detect picks an implementation for c: a Network when the addresses of the
// group are known, an Environ when a launcher assigned the rank, and a Single
// otherwise.
func Detect(c Config) Mpi {
	return detect(c, os.LookupEnv)
}

func detect(c Config, lookup func(string) (string, bool)) Mpi {
	if len(c.Addrs) != 0 {
		return &Network{
			NetProto: c.Protocol,
			Addr:     c.Addr,
			Addrs:    c.Addrs,
			Timeout:  c.Timeout,
			Password: c.Password,
		}
	}
	if LauncherEnv(lookup) {
		return &Environ{Lookup: lookup}
	}
	return &Single{}
}
