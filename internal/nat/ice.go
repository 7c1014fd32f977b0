package nat

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"

	"github.com/tallowproject/tallow/internal/transport"
)

// Strategy names the ICE connection strategy chosen from the matrix in
// spec.md §4.6, keyed by the local and remote NAT classifications.
type Strategy string

const (
	// StrategyDirectFast is used when both peers are OPEN or FULL_CONE:
	// a single fast direct attempt.
	StrategyDirectFast Strategy = "direct_fast"

	// StrategyDirectPatient is used when either side is (PORT_)
	// RESTRICTED: more parallel attempts, longer timeout.
	StrategyDirectPatient Strategy = "direct_patient"

	// StrategyTURNFallback is used when exactly one side is SYMMETRIC:
	// a short direct race, then TURN relay.
	StrategyTURNFallback Strategy = "turn_fallback"

	// StrategyTURNOnly is used when both sides are SYMMETRIC: direct
	// attempts are skipped entirely.
	StrategyTURNOnly Strategy = "turn_only"
)

// PlanFor selects the strategy, parallel-attempt count, and direct
// timeout for a (local, remote) NAT classification pair, per spec.md
// §4.6's strategy matrix.
type Plan struct {
	Strategy      Strategy
	ParallelTries int
	DirectTimeout time.Duration
}

// PlanFor implements the strategy matrix in spec.md §4.6.
func PlanFor(local, remote Classification) Plan {
	isOpenLike := func(c Classification) bool { return c == Open || c == FullCone }
	isRestricted := func(c Classification) bool { return c == Restricted || c == PortRestricted }

	switch {
	case local == Symmetric && remote == Symmetric:
		return Plan{Strategy: StrategyTURNOnly, ParallelTries: 0, DirectTimeout: 0}
	case local == Symmetric || remote == Symmetric:
		return Plan{Strategy: StrategyTURNFallback, ParallelTries: 2, DirectTimeout: 3 * time.Second}
	case isRestricted(local) || isRestricted(remote):
		return Plan{Strategy: StrategyDirectPatient, ParallelTries: 3, DirectTimeout: 10 * time.Second}
	case isOpenLike(local) && isOpenLike(remote):
		return Plan{Strategy: StrategyDirectFast, ParallelTries: 1, DirectTimeout: 5 * time.Second}
	default:
		return Plan{Strategy: StrategyDirectPatient, ParallelTries: 3, DirectTimeout: 10 * time.Second}
	}
}

// CandidateFilter decides whether to keep or drop an ICE candidate
// before it is ever surfaced to the peer, used to implement spec.md
// §4.6's privacy-mode filtering: drop host and server-reflexive
// candidates, keep only relay candidates, and never emit mDNS `.local`
// host candidates externally regardless of mode.
type CandidateFilter func(c ice.Candidate) bool

// AllowAllCandidates keeps every candidate type (normal, non-privacy
// mode) except mDNS `.local` host candidates.
func AllowAllCandidates(c ice.Candidate) bool {
	return !isMDNSCandidate(c)
}

// PrivacyModeCandidates keeps only relay candidates, per spec.md §4.6.
func PrivacyModeCandidates(c ice.Candidate) bool {
	return c.Type() == ice.CandidateTypeRelay
}

func isMDNSCandidate(c ice.Candidate) bool {
	addr := c.Address()
	return len(addr) > 6 && addr[len(addr)-6:] == ".local"
}

// AgentConfig configures a TALLOW ICE agent.
type AgentConfig struct {
	STUNServers []string
	TURNServers []*stun.URI // built from TURN_URL + credentials by the caller
	Filter      CandidateFilter
}

// Agent wraps pion/ice/v4.Agent, restricting candidate exposure per
// Filter and exposing a transport.PeerConn-shaped Dial/Accept so
// internal/transport.Selector can use it as a fallback tier alongside
// QUIC and the TLS relay.
type Agent struct {
	inner  *ice.Agent
	filter CandidateFilter
}

// NewAgent creates and starts gathering candidates for a new ICE agent.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	urls := make([]*stun.URI, 0, len(cfg.STUNServers)+len(cfg.TURNServers))
	for _, s := range cfg.STUNServers {
		u, err := stun.ParseURI("stun:" + s)
		if err != nil {
			continue
		}
		urls = append(urls, u)
	}
	urls = append(urls, cfg.TURNServers...)

	filter := cfg.Filter
	if filter == nil {
		filter = AllowAllCandidates
	}

	inner, err := ice.NewAgent(&ice.AgentConfig{
		Urls:         urls,
		NetworkTypes: []ice.NetworkType{ice.NetworkTypeUDP4, ice.NetworkTypeUDP6},
	})
	if err != nil {
		return nil, fmt.Errorf("nat: create ice agent: %w", err)
	}

	a := &Agent{inner: inner, filter: filter}

	if err := inner.OnCandidate(func(c ice.Candidate) {
		// pion invokes this with a nil candidate once gathering is
		// complete; nothing to filter there.
		if c == nil {
			return
		}
		if !a.filter(c) {
			return
		}
	}); err != nil {
		inner.Close()
		return nil, err
	}

	if err := inner.GatherCandidates(); err != nil {
		inner.Close()
		return nil, err
	}

	return a, nil
}

// LocalCredentials returns this agent's ufrag/pwd, exchanged with the
// peer over internal/signaling's encrypted envelopes.
func (a *Agent) LocalCredentials() (ufrag, pwd string, err error) {
	return a.inner.GetLocalUserCredentials()
}

// LocalCandidates returns the candidates gathered so far that pass
// Filter, applied at call time. Candidates are marshaled to their
// SDP-style string form for the signaling envelope.
func (a *Agent) LocalCandidates() ([]string, error) {
	cands, err := a.inner.GetLocalCandidates()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		if !a.filter(c) {
			continue
		}
		out = append(out, c.Marshal())
	}
	return out, nil
}

// AddRemoteCandidate ingests one remote candidate received over
// signaling.
func (a *Agent) AddRemoteCandidate(marshaled string) error {
	c, err := ice.UnmarshalCandidate(marshaled)
	if err != nil {
		return fmt.Errorf("nat: unmarshal remote candidate: %w", err)
	}
	return a.inner.AddRemoteCandidate(c)
}

// DialControlling establishes connectivity as the controlling agent
// (conventionally the room creator), bounded by timeout.
func (a *Agent) DialControlling(ctx context.Context, remoteUfrag, remotePwd string, timeout time.Duration) (transport.PeerConn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := a.inner.Dial(ctx, remoteUfrag, remotePwd)
	if err != nil {
		return nil, fmt.Errorf("nat: ice dial: %w", err)
	}
	return newPeerConn(conn, true), nil
}

// DialControlled establishes connectivity as the controlled agent
// (conventionally the room joiner), bounded by timeout.
func (a *Agent) DialControlled(ctx context.Context, remoteUfrag, remotePwd string, timeout time.Duration) (transport.PeerConn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := a.inner.Accept(ctx, remoteUfrag, remotePwd)
	if err != nil {
		return nil, fmt.Errorf("nat: ice accept: %w", err)
	}
	return newPeerConn(conn, false), nil
}

// Close releases the agent's sockets.
func (a *Agent) Close() error {
	return a.inner.Close()
}

// RaceControlling runs one controlling Dial per agent concurrently and
// returns the first that connects (pion's
// own ICE state machine already checks candidate pairs concurrently;
// this wraps a single Dial call per spec.md's "parallel ICE: race
// concurrent attempts; first ready wins" requirement at the strategy
// level, where multiple Agents — e.g. one per candidate-gathering
// retry — might be raced by the caller). Kept as a thin helper so
// internal/transport.Selector's fallback chain and this package's own
// racing use the same cancel-losers idiom.
func RaceControlling(ctx context.Context, agents []*Agent, remoteUfrag, remotePwd string, timeout time.Duration) (transport.PeerConn, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("nat: no agents to race")
	}

	type result struct {
		conn transport.PeerConn
		err  error
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan result, len(agents))
	var wg sync.WaitGroup
	for _, agent := range agents {
		wg.Add(1)
		go func(a *Agent) {
			defer wg.Done()
			conn, err := a.DialControlling(ctx, remoteUfrag, remotePwd, timeout)
			select {
			case resultCh <- result{conn: conn, err: err}:
			case <-ctx.Done():
				if conn != nil {
					conn.Close()
				}
			}
		}(agent)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var lastErr error
	for r := range resultCh {
		if r.err == nil {
			cancel() // cancel losers; their Dial calls observe ctx.Done and release.
			return r.conn, nil
		}
		lastErr = r.err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("nat: all candidate races failed")
	}
	return nil, lastErr
}

// peerConn adapts a pion/ice net.Conn to transport.PeerConn, following
// the same single-stream shape as internal/transport's
// WebSocketPeerConn: ICE gives one datagram-channel connection, not
// native multi-stream multiplexing, so every OpenStream/AcceptStream
// call returns the same underlying stream.
type peerConn struct {
	conn       net.Conn
	isDialer   bool
	streamOnce sync.Once
	stream     *iceStream
	closed     atomic.Bool
}

func newPeerConn(conn net.Conn, isDialer bool) *peerConn {
	return &peerConn{conn: conn, isDialer: isDialer}
}

func (p *peerConn) stream0() *iceStream {
	p.streamOnce.Do(func() {
		p.stream = &iceStream{conn: p.conn, id: 1}
	})
	return p.stream
}

func (p *peerConn) OpenStream(ctx context.Context) (transport.Stream, error)   { return p.stream0(), nil }
func (p *peerConn) AcceptStream(ctx context.Context) (transport.Stream, error) { return p.stream0(), nil }
func (p *peerConn) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.conn.Close()
}
func (p *peerConn) LocalAddr() net.Addr                     { return p.conn.LocalAddr() }
func (p *peerConn) RemoteAddr() net.Addr                    { return p.conn.RemoteAddr() }
func (p *peerConn) IsDialer() bool                          { return p.isDialer }
func (p *peerConn) TransportType() transport.TransportType  { return transport.TransportICE }

// iceStream adapts the single ICE net.Conn to transport.Stream.
type iceStream struct {
	conn   net.Conn
	id     uint64
	closed atomic.Bool
}

func (s *iceStream) StreamID() uint64                      { return s.id }
func (s *iceStream) Read(p []byte) (int, error)            { return s.conn.Read(p) }
func (s *iceStream) Write(p []byte) (int, error)           { return s.conn.Write(p) }
func (s *iceStream) CloseWrite() error                     { return nil }
func (s *iceStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}
func (s *iceStream) SetDeadline(t time.Time) error      { return s.conn.SetDeadline(t) }
func (s *iceStream) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *iceStream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }
