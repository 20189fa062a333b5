package mpi

import (
	"context"
	"crypto/subtle"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultDialInterval is how often a member redials a peer that is not yet
// listening.
const DefaultDialInterval = 300 * time.Millisecond

// Network implements the Mpi interface using network calls provided by the net
// package in the standard library. Network creates an all-to-all connection
// using the specified network protocol among all provided addresses. Network
// uses encoding/gob for the handshake, and so some network protocols may not
// be appropriate. The network confirms that every peer knows the same password
// before accepting its connection. Only a hash of the password is sent.
//
// Network uses the package flags (and their GOMPI_ environment fallbacks) for
// every field that holds its zero value at Init.
type Network struct {
	NetProto string        // Which network protocol to use (see net package for options)
	Addr     string        // Address of the local process
	Addrs    []string      // List of the addresses of all nodes. Addr must be among them
	Timeout  time.Duration // If set, Init and Finalize fail if they are not done within the duration
	Password string

	// Listener, if set, is used instead of listening on Addr. Network closes
	// it once the group is formed.
	Listener net.Listener

	// DialInterval paces redials of peers that are not listening yet.
	// DefaultDialInterval is used if zero.
	DialInterval time.Duration

	mux    sync.Mutex
	token  string
	myrank int // rank of this process
	nNodes int // total number of processes

	peers []*peer // connections to all of the other nodes, indexed by rank
}

// peer holds both directions of the connection to one other member. Each
// member dials every other member, so a pair of members shares two
// connections. The gob streams are kept for the life of the connection.
type peer struct {
	dial    net.Conn // opened by this process
	dialEnc *gob.Encoder
	dialDec *gob.Decoder

	listen    net.Conn // accepted from the peer
	listenEnc *gob.Encoder
	listenDec *gob.Decoder
}

type envelopeKind int

const (
	kindHello envelopeKind = iota + 1
	kindFin
)

// envelope is the only message sent on the wire.
type envelope struct {
	Kind  envelopeKind
	Token string // hashed password
	Rank  int    // rank of the sender
	Size  int    // group size according to the sender
}

func hashPassword(password string) string {
	sum := blake2b.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func (n *Network) Rank() int {
	n.mux.Lock()
	defer n.mux.Unlock()
	if n.nNodes == 0 {
		return -1
	}
	return n.myrank
}

func (n *Network) Size() int {
	n.mux.Lock()
	defer n.mux.Unlock()
	return n.nNodes
}

// applyConfig fills the zero fields of n from c.
func (n *Network) applyConfig(c Config) {
	if n.NetProto == "" {
		n.NetProto = c.Protocol
	}
	if n.NetProto == "" {
		n.NetProto = "tcp"
	}
	if n.Password == "" {
		n.Password = c.Password
	}
	if n.Timeout == 0 {
		n.Timeout = c.Timeout
	}
	if n.Addr == "" {
		n.Addr = c.Addr
	}
	if len(n.Addrs) == 0 {
		n.Addrs = append([]string(nil), c.Addrs...)
	}
	if n.DialInterval == 0 {
		n.DialInterval = DefaultDialInterval
	}
}

// Ranks returns the addresses in rank order. Every member sorts the list the
// same way, and so they all agree on the rank of each address.
func Ranks(addrs []string) ([]string, error) {
	sorted := append([]string(nil), addrs...)
	sort.Strings(sorted)
	for i := 0; i < len(sorted)-1; i++ {
		if sorted[i] == sorted[i+1] {
			return nil, fmt.Errorf("%w: %v", ErrAddrNotUnique, sorted[i])
		}
	}
	return sorted, nil
}

// Init implements the Mpi init function
func (n *Network) Init(ctx context.Context) error {
	n.mux.Lock()
	defer n.mux.Unlock()
	if n.nNodes != 0 {
		return ErrAlreadyInitialized
	}
	n.applyConfig(CurrentConfig())

	addrs, err := Ranks(n.Addrs)
	if err != nil {
		n.closeListener()
		return err
	}
	n.Addrs = addrs

	// Rank is the order in the list
	rank := sort.SearchStrings(n.Addrs, n.Addr)
	if !(rank < len(n.Addrs) && n.Addrs[rank] == n.Addr) {
		n.closeListener()
		return fmt.Errorf("%w: %q", ErrAddrNotListed, n.Addr)
	}
	n.myrank = rank
	n.token = hashPassword(n.Password)

	if n.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}

	start := time.Now()
	size := len(n.Addrs)
	if size > 1 {
		peers, err := n.startConnections(ctx, size)
		if err != nil {
			closePeers(peers)
			return err
		}
		n.peers = peers
	} else {
		n.closeListener()
	}
	n.nNodes = size

	log().Info("joined group",
		zap.Int("rank", n.myrank),
		zap.Int("size", n.nNodes),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// closeListener closes a caller supplied listener that will not be used.
func (n *Network) closeListener() {
	if n.Listener != nil {
		n.Listener.Close()
		n.Listener = nil
	}
}

// startConnections creates bi-way all-to-all connections. It listens for all
// of the other members and dials all of them at the same time.
func (n *Network) startConnections(ctx context.Context, size int) ([]*peer, error) {
	peers := make([]*peer, size)
	for i := range peers {
		if i != n.myrank {
			peers[i] = &peer{}
		}
	}

	listener := n.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen(n.NetProto, n.Addr)
		if err != nil {
			return peers, fmt.Errorf("mpi: error listening: %w", err)
		}
	}
	n.Listener = nil

	// Both sides store into peers, each on its own half of a peer.
	var pmux sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.establishListenConnections(gctx, listener, size, peers, &pmux)
	})
	g.Go(func() error {
		return n.establishDialConnections(gctx, size, peers, &pmux)
	})
	return peers, g.Wait()
}

// establishListenConnections accepts one connection from every other member.
// The listener is closed when it returns.
func (n *Network) establishListenConnections(ctx context.Context, listener net.Listener, size int, peers []*peer, pmux *sync.Mutex) error {
	// Accept blocks until the listener is closed, so close it to give up
	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer func() {
		stop()
		listener.Close()
	}()

	var (
		errMu sync.Mutex
		errs  error
		wg    sync.WaitGroup
	)
	for i := 0; i < size-1; i++ {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("mpi: listener: %w", ctx.Err())
			}
			errMu.Lock()
			errs = multierr.Append(errs, err)
			errMu.Unlock()
			break
		}

		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()
			id, enc, dec, err := n.acceptHandshake(ctx, conn)
			if err == nil {
				pmux.Lock()
				if peers[id].listen != nil {
					err = fmt.Errorf("mpi: rank %v connected twice", id)
				} else {
					peers[id].listen, peers[id].listenEnc, peers[id].listenDec = conn, enc, dec
				}
				pmux.Unlock()
			}
			if err != nil {
				conn.Close()
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("mpi: accepting from %v: %w", conn.RemoteAddr(), err))
				errMu.Unlock()
				return
			}
			log().Debug("accepted peer", zap.Int("peer", id))
		}(conn)
	}
	wg.Wait()
	return errs
}

// acceptHandshake reads the hello of the dialing peer and answers with our own.
func (n *Network) acceptHandshake(ctx context.Context, conn net.Conn) (int, *gob.Encoder, *gob.Decoder, error) {
	done := watch(ctx, conn)
	enc := gob.NewEncoder(conn)
	dec := gob.NewDecoder(conn)

	var message envelope
	if err := dec.Decode(&message); err != nil {
		done()
		return -1, nil, nil, err
	}
	id, err := n.checkHello(message)
	if err != nil {
		done()
		return -1, nil, nil, err
	}
	// Send back a handshake the other way
	if err := enc.Encode(n.hello()); err != nil {
		done()
		return -1, nil, nil, err
	}
	if err := done(); err != nil {
		return -1, nil, nil, err
	}
	return id, enc, dec, nil
}

// establishDialConnections dials every other member concurrently.
func (n *Network) establishDialConnections(ctx context.Context, size int, peers []*peer, pmux *sync.Mutex) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		errMu sync.Mutex
		errs  error
		wg    sync.WaitGroup
	)
	for i := 0; i < size; i++ {
		if i == n.myrank {
			continue // Don't dial yourself
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, enc, dec, err := n.dialPeer(ctx, i)
			if err != nil {
				cancel()
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("mpi: dialing rank %v at %v: %w", i, n.Addrs[i], err))
				errMu.Unlock()
				return
			}
			pmux.Lock()
			peers[i].dial, peers[i].dialEnc, peers[i].dialDec = conn, enc, dec
			pmux.Unlock()
			log().Debug("dialed peer", zap.Int("peer", i), zap.String("addr", n.Addrs[i]))
		}(i)
	}
	wg.Wait()
	return errs
}

// dialPeer keeps dialing the peer until it answers, then trades hellos.
func (n *Network) dialPeer(ctx context.Context, i int) (net.Conn, *gob.Encoder, *gob.Decoder, error) {
	limiter := rate.NewLimiter(rate.Every(n.DialInterval), 1)
	var dialer net.Dialer
	var lastErr error
	var conn net.Conn
	for {
		if err := limiter.Wait(ctx); err != nil {
			if lastErr != nil {
				return nil, nil, nil, multierr.Append(err, lastErr)
			}
			return nil, nil, nil, err
		}
		var err error
		conn, err = dialer.DialContext(ctx, n.NetProto, n.Addrs[i])
		if err == nil {
			break
		}
		lastErr = err
	}

	done := watch(ctx, conn)
	fail := func(err error) (net.Conn, *gob.Encoder, *gob.Decoder, error) {
		done()
		conn.Close()
		return nil, nil, nil, err
	}

	// Established the connection, send the first handshake message
	enc := gob.NewEncoder(conn)
	dec := gob.NewDecoder(conn)
	if err := enc.Encode(n.hello()); err != nil {
		return fail(err)
	}

	// Receive the handshake message back
	var message envelope
	if err := dec.Decode(&message); err != nil {
		return fail(err)
	}
	id, err := n.checkHello(message)
	if err != nil {
		return fail(err)
	}
	if id != i {
		return fail(fmt.Errorf("mpi: %v answered as rank %v", n.Addrs[i], id))
	}
	if err := done(); err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	return conn, enc, dec, nil
}

func (n *Network) hello() envelope {
	return envelope{
		Kind:  kindHello,
		Token: n.token,
		Rank:  n.myrank,
		Size:  len(n.Addrs),
	}
}

// checkHello checks that the password matches what the network expects and
// that the rank is valid.
func (n *Network) checkHello(message envelope) (int, error) {
	if message.Kind != kindHello {
		return -1, fmt.Errorf("mpi: expected hello, got message kind %v", message.Kind)
	}
	if subtle.ConstantTimeCompare([]byte(message.Token), []byte(n.token)) != 1 {
		return -1, ErrBadToken
	}
	size := len(n.Addrs)
	if message.Size != size {
		return -1, fmt.Errorf("mpi: peer rank %v reports group size %v, expected %v", message.Rank, message.Size, size)
	}
	if message.Rank >= size || message.Rank < 0 || message.Rank == n.myrank {
		return -1, BadRankError{Rank: message.Rank, Size: size}
	}
	return message.Rank, nil
}

// Finalize implements the Mpi finalize function. Finalize is collective: it
// tells every peer that this member is done and waits until every peer has
// said the same before closing the connections.
func (n *Network) Finalize(ctx context.Context) error {
	n.mux.Lock()
	defer n.mux.Unlock()
	if n.nNodes == 0 {
		return ErrNotInitialized
	}
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}

	var (
		errMu sync.Mutex
		errs  error
		wg    sync.WaitGroup
	)
	record := func(err error) {
		errMu.Lock()
		errs = multierr.Append(errs, err)
		errMu.Unlock()
	}
	for id, p := range n.peers {
		if p == nil {
			continue
		}
		wg.Add(2)
		go func(id int, p *peer) {
			defer wg.Done()
			done := watch(ctx, p.dial)
			err := p.dialEnc.Encode(envelope{Kind: kindFin, Token: n.token, Rank: n.myrank, Size: n.nNodes})
			if werr := done(); err == nil {
				err = werr
			}
			if err != nil {
				record(fmt.Errorf("mpi: finalize: sending to rank %v: %w", id, err))
			}
		}(id, p)
		go func(id int, p *peer) {
			defer wg.Done()
			done := watch(ctx, p.listen)
			var message envelope
			err := p.listenDec.Decode(&message)
			if werr := done(); err == nil {
				err = werr
			}
			if err == nil && (message.Kind != kindFin || message.Rank != id) {
				err = fmt.Errorf("unexpected message kind %v from rank %v", message.Kind, message.Rank)
			}
			if err != nil {
				record(fmt.Errorf("mpi: finalize: waiting on rank %v: %w", id, err))
			}
		}(id, p)
	}
	wg.Wait()

	errs = multierr.Append(errs, closePeers(n.peers))
	n.peers = nil
	n.nNodes = 0
	log().Info("left group", zap.Int("rank", n.myrank), zap.Error(errs))
	return errs
}

// closePeers closes all of the connections
func closePeers(peers []*peer) error {
	var errs error
	for _, p := range peers {
		if p == nil {
			continue
		}
		if p.dial != nil {
			errs = multierr.Append(errs, ignoreClosed(p.dial.Close()))
		}
		if p.listen != nil {
			errs = multierr.Append(errs, ignoreClosed(p.listen.Close()))
		}
	}
	return errs
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// watch makes blocking reads and writes on conn fail once ctx is done. The
// returned function stops watching and reports ctx's error if it already fired.
func watch(ctx context.Context, conn net.Conn) func() error {
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	return func() error {
		if !stop() {
			return ctx.Err()
		}
		return nil
	}
}
