package mpi

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newGroup makes n members listening on loopback ports.
func newGroup(t *testing.T, n int, password func(i int) string) []*Network {
	t.Helper()
	listeners := make([]net.Listener, n)
	addrs := make([]string, n)
	for i := range listeners {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i], addrs[i] = ln, ln.Addr().String()
	}
	nets := make([]*Network, n)
	for i := range nets {
		nets[i] = &Network{
			NetProto:     "tcp",
			Addr:         addrs[i],
			Addrs:        append([]string(nil), addrs...),
			Listener:     listeners[i],
			Timeout:      5 * time.Second,
			Password:     password(i),
			DialInterval: 10 * time.Millisecond,
		}
	}
	return nets
}

func samePassword(int) string { return "secret" }

// each runs f on every member at the same time.
func each(nets []*Network, f func(n *Network) error) []error {
	errs := make([]error, len(nets))
	var wg sync.WaitGroup
	for i, n := range nets {
		wg.Add(1)
		go func(i int, n *Network) {
			defer wg.Done()
			errs[i] = f(n)
		}(i, n)
	}
	wg.Wait()
	return errs
}

func TestNetworkGroup(t *testing.T) {
	ctx := context.Background()
	nets := newGroup(t, 4, samePassword)
	for _, err := range each(nets, func(n *Network) error { return n.Init(ctx) }) {
		require.NoError(t, err)
	}

	var ranks []int
	for _, n := range nets {
		assert.Equal(t, 4, n.Size())
		ranks = append(ranks, n.Rank())
	}
	sort.Ints(ranks)
	assert.Equal(t, []int{0, 1, 2, 3}, ranks)

	// Rank is the position of the address in sorted order
	for _, n := range nets {
		assert.Equal(t, n.Addr, n.Addrs[n.Rank()])
	}

	assert.ErrorIs(t, nets[0].Init(ctx), ErrAlreadyInitialized)

	for _, err := range each(nets, func(n *Network) error { return n.Finalize(ctx) }) {
		require.NoError(t, err)
	}
	for _, n := range nets {
		assert.Equal(t, -1, n.Rank())
		assert.Equal(t, 0, n.Size())
	}
}

func TestNetworkSingleMember(t *testing.T) {
	ctx := context.Background()
	nets := newGroup(t, 1, samePassword)
	require.NoError(t, nets[0].Init(ctx))
	assert.Equal(t, 0, nets[0].Rank())
	assert.Equal(t, 1, nets[0].Size())
	require.NoError(t, nets[0].Finalize(ctx))
	assert.ErrorIs(t, nets[0].Finalize(ctx), ErrNotInitialized)
}

func TestNetworkBadPassword(t *testing.T) {
	ctx := context.Background()
	nets := newGroup(t, 2, func(i int) string {
		if i == 0 {
			return "right"
		}
		return "wrong"
	})
	errs := each(nets, func(n *Network) error { return n.Init(ctx) })
	require.Error(t, errs[0])
	require.Error(t, errs[1])
	assert.True(t, errors.Is(errs[0], ErrBadToken) || errors.Is(errs[1], ErrBadToken))
	for _, n := range nets {
		assert.Equal(t, -1, n.Rank())
	}
}

func TestNetworkTimeout(t *testing.T) {
	// An address nobody listens on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	missing := ln.Addr().String()
	ln.Close()

	nets := newGroup(t, 1, samePassword)
	n := nets[0]
	n.Addrs = append(n.Addrs, missing)
	n.Timeout = 200 * time.Millisecond

	start := time.Now()
	assert.Error(t, n.Init(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, n.Size())
}

func TestNetworkCancel(t *testing.T) {
	nets := newGroup(t, 2, samePassword)
	n := nets[0]
	n.Timeout = 0

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	assert.Error(t, n.Init(ctx))
	nets[1].Listener.Close()
}

func TestNetworkAddrs(t *testing.T) {
	ctx := context.Background()
	n := &Network{Addr: ":5000", Addrs: []string{":5000", ":5001", ":5000"}}
	assert.ErrorIs(t, n.Init(ctx), ErrAddrNotUnique)

	n = &Network{Addr: ":4999", Addrs: []string{":5000", ":5001"}}
	assert.ErrorIs(t, n.Init(ctx), ErrAddrNotListed)
	assert.Equal(t, -1, n.Rank())
}

func TestNetworkClosesUnusedListener(t *testing.T) {
	ctx := context.Background()
	for name, n := range map[string]*Network{
		"not unique": {Addrs: []string{"a", "a"}},
		"not listed": {Addrs: []string{"a", "b"}},
	} {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		n.Addr = "c"
		if name == "not unique" {
			n.Addr = "a"
		}
		n.Listener = ln
		assert.Error(t, n.Init(ctx), name)
		_, err = ln.Accept()
		assert.ErrorIs(t, err, net.ErrClosed, name)
	}
}

func TestRanks(t *testing.T) {
	in := []string{"node2:5000", "node10:5000", "node1:5000"}
	got, err := Ranks(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"node10:5000", "node1:5000", "node2:5000"}, got)
	assert.Equal(t, "node2:5000", in[0], "input is not modified")
}

func TestCheckHello(t *testing.T) {
	n := &Network{Addrs: []string{"a", "b", "c"}, myrank: 1, token: hashPassword("pw")}

	id, err := n.checkHello(envelope{Kind: kindHello, Token: n.token, Rank: 2, Size: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, id)

	_, err = n.checkHello(envelope{Kind: kindFin, Token: n.token, Rank: 2, Size: 3})
	assert.Error(t, err)

	_, err = n.checkHello(envelope{Kind: kindHello, Token: hashPassword("other"), Rank: 2, Size: 3})
	assert.ErrorIs(t, err, ErrBadToken)

	_, err = n.checkHello(envelope{Kind: kindHello, Token: n.token, Rank: 2, Size: 4})
	assert.Error(t, err)

	for _, rank := range []int{-1, 1, 3} {
		_, err = n.checkHello(envelope{Kind: kindHello, Token: n.token, Rank: rank, Size: 3})
		var bad BadRankError
		require.ErrorAs(t, err, &bad)
		assert.Equal(t, rank, bad.Rank)
	}
}

func TestHashPassword(t *testing.T) {
	h := hashPassword("secret")
	assert.Len(t, h, 64)
	assert.NotContains(t, h, "secret")
	assert.Equal(t, h, hashPassword("secret"))
	assert.NotEqual(t, h, hashPassword("Secret"))
}
