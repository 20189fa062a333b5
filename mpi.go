// Package mpi implements an mpi-like runtime for go. This package seeks to
// let a group of processes find each other and agree on their identities using
// only native go code. While this package seeks to present a familiar interface
// to users of MPI, it does not follow the MPI standard exactly. In cases where
// package documentation disagrees with the MPI standard, the package
// documentation should be considered correct.
//
// In MPI, a single program is executed in parallel on different machines.
// A program must begin with a call to Init() and should end with a call to
// Finalize(). Init determines the size, or number of processes, in the group
// and assigns each process a unique integer identifier, "rank", which has a
// value 0 <= rank < size.
//
// Three implementations of the Mpi interface are provided:
//
//	Network: forms the group itself with an all-to-all handshake over the
//	         net package. Used when the addresses of all members are known.
//	Environ: reads the rank and size assigned by an external launcher such
//	         as mpirun, srun or gompirun.
//	Single:  a group of one, for programs started without a launcher.
//
// A specific implementation may be chosen with Register, normally during an
// init() function of package main. Otherwise Init picks one with Detect.
//
// Package mpi also provides flags to aid in simplicity, see Config.AddFlags.
//
//	--mpi-addr        : address of the local running process
//	--mpi-alladdr     : comma separated list of the addresses of all processes
//	--mpi-inittimeout : how long init and finalize can take before timing out
//	--mpi-protocol    : network protocol to use
//	--mpi-password    : password that all members must share
//
// Every flag falls back to a GOMPI_ environment variable when it is not set.
//
// [1] http://www.mcs.anl.gov/research/projects/mpi/
package mpi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNotInitialized     = errors.New("mpi: not initialized")
	ErrAlreadyInitialized = errors.New("mpi: already initialized")
	ErrAddrNotUnique      = errors.New("mpi: addresses not unique")
	ErrAddrNotListed      = errors.New("mpi: local address not in global list")
	ErrBadToken           = errors.New("mpi: bad password")
)

// BadRankError is returned when a peer or launcher reports a rank that does
// not fit in the group.
type BadRankError struct {
	Rank int
	Size int
}

func (b BadRankError) Error() string {
	return fmt.Sprintf("mpi: bad rank %v for group of size %v", b.Rank, b.Size)
}

// Mpi is a set of routines for joining and leaving a process group. See the
// package functions for documentation.
type Mpi interface {
	Init(ctx context.Context) error
	Finalize(ctx context.Context) error
	Rank() int
	Size() int
}

var (
	mu     sync.Mutex
	mpier  Mpi
	logger = zap.NewNop()
)

// Register sets an Mpi implementation to be used in calls to MPI. Register
// should normally be called during program initialization and not again.
func Register(m Mpi) {
	mu.Lock()
	defer mu.Unlock()
	mpier = m
}

// SetLogger sets the logger used by the runtime. The default discards
// everything.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}

func log() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

func current() Mpi {
	mu.Lock()
	defer mu.Unlock()
	return mpier
}

// Init initializes the runtime. Init must be called before any other functions
// are called, and should only be called once during program execution.
func Init() error {
	return InitContext(context.Background())
}

// InitContext is Init bounded by ctx. If no implementation was registered,
// one is chosen by Detect from the flags and the environment.
func InitContext(ctx context.Context) error {
	mu.Lock()
	if mpier == nil {
		mpier = Detect(CurrentConfig())
	}
	m := mpier
	mu.Unlock()
	return m.Init(ctx)
}

// Finalize leaves the group and releases the runtime's resources. After a call
// to Finalize, no more Mpi calls may be made (though programs are free to
// continue execution).
func Finalize() error {
	return FinalizeContext(context.Background())
}

// FinalizeContext is Finalize bounded by ctx.
func FinalizeContext(ctx context.Context) error {
	m := current()
	if m == nil {
		return ErrNotInitialized
	}
	return m.Finalize(ctx)
}

// Rank returns the rank of the local process. Each process has a unique rank
// in the group, and the rank of each process is agreed upon by all processes.
// The value of rank will not change during program execution. 0 <= Rank() < Size().
// As a special case, if Init was not called, Rank returns -1.
func Rank() int {
	m := current()
	if m == nil {
		return -1
	}
	return m.Rank()
}

// Size returns the total number of processes. Size returns 0 if the runtime
// is not initialized.
func Size() int {
	m := current()
	if m == nil {
		return 0
	}
	return m.Size()
}

// Initialized reports whether the runtime has a group.
func Initialized() bool {
	return Size() > 0
}
