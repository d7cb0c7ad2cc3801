// Package swarm orchestrates one torrent's session: it owns the metainfo,
// tracker client, storage, optional resume persistence, the listener and
// bounded outbound connector pool, and the router goroutine (spec §2, §6,
// SPEC_FULL §4.6).
package swarm

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/mindsgn-studio/swarmline/internal/bitfield"
	"github.com/mindsgn-studio/swarmline/internal/metainfo"
	"github.com/mindsgn-studio/swarmline/internal/peer"
	"github.com/mindsgn-studio/swarmline/internal/piece"
	"github.com/mindsgn-studio/swarmline/internal/resume"
	"github.com/mindsgn-studio/swarmline/internal/router"
	"github.com/mindsgn-studio/swarmline/internal/storage"
	"github.com/mindsgn-studio/swarmline/internal/tracker"
)

// maxPeerPerSwarm bounds the outbound connector pool, mirroring the rain
// family's per-torrent peer cap.
const maxPeerPerSwarm = 40

// Option configures a Swarm at construction time.
type Option func(*Swarm)

// WithListenPort sets the TCP port to accept inbound peer connections on.
// Zero (the default) disables the listener.
func WithListenPort(port uint16) Option {
	return func(s *Swarm) { s.listenPort = port }
}

// WithBindAddr sets the local address the listener binds to.
func WithBindAddr(addr string) Option {
	return func(s *Swarm) { s.bindAddr = addr }
}

// WithResumeStore attaches durable resume-state persistence.
func WithResumeStore(rs *resume.Store) Option {
	return func(s *Swarm) { s.resume = rs }
}

// WithPeerID overrides the synthesized peer-id.
func WithPeerID(id [20]byte) Option {
	return func(s *Swarm) { s.ourID = id }
}

// Swarm drives the peer session engine for one torrent.
type Swarm struct {
	info    *metainfo.Info
	ourID   [20]byte
	tracker *tracker.Client

	store   *piece.Store
	disk    *storage.Store
	resume  *resume.Store
	router  *router.Router

	listenPort uint16
	bindAddr   string
	listener   net.Listener

	logger *log.Logger

	completeCh chan struct{}
	errCh      chan error
	routerDone chan struct{}
	connSem    chan struct{}
}

// New allocates storage, seeds the piece store from resume state (if any
// verified pieces are already on disk), and prepares the router. It does
// not start any network activity; call Start for that.
func New(info *metainfo.Info, downloadDir string, trackerClient *tracker.Client, opts ...Option) (*Swarm, error) {
	s := &Swarm{
		info:       info,
		tracker:    trackerClient,
		logger:     log.New(log.Writer(), "swarm: ", log.LstdFlags),
		completeCh: make(chan struct{}),
		errCh:      make(chan error, 8),
		routerDone: make(chan struct{}),
		connSem:    make(chan struct{}, maxPeerPerSwarm),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.ourID == ([20]byte{}) {
		id, err := tracker.GeneratePeerID()
		if err != nil {
			return nil, fmt.Errorf("swarm: %w", err)
		}
		s.ourID = id
	}

	disk, err := storage.Open(info, downloadDir)
	if err != nil {
		return nil, fmt.Errorf("swarm: %w", err)
	}
	s.disk = disk

	s.store = piece.NewStore(info.Pieces, uint32(info.PieceLength), info.TotalLength())
	if err := s.seedFromResume(); err != nil {
		disk.Close()
		return nil, err
	}

	s.router = router.New(s.store, 256)
	s.router.OnPieceComplete = s.onPieceComplete
	s.router.OnGlobalComplete = func() { close(s.completeCh) }

	return s, nil
}

func (s *Swarm) seedFromResume() error {
	if s.resume == nil {
		return nil
	}
	rec, ok, err := s.resume.Get(s.info.InfoHash)
	if err != nil {
		return fmt.Errorf("swarm: load resume state: %w", err)
	}
	if !ok {
		return nil
	}
	bools := bitfield.Unpack(rec.Bitfield)
	for i, present := range bools {
		if !present || i >= len(s.store.Records) {
			continue
		}
		data, err := s.disk.ReadPiece(uint32(i))
		if err != nil {
			// Disk content no longer matches; leave the piece incomplete
			// and let it be re-downloaded rather than failing startup.
			continue
		}
		s.store.Records[i].AcceptPiece(data)
	}
	return nil
}

func (s *Swarm) onPieceComplete(index uint32, rec *piece.Record) {
	if err := s.disk.WritePiece(index, rec.Buffer); err != nil {
		s.reportError(fmt.Errorf("swarm: persist piece %d: %w", index, err))
	}
	if s.resume != nil {
		packed := bitfield.Pack(s.store.Bitmap())
		err := s.resume.Put(resume.Record{
			InfoHash:     s.info.InfoHash,
			Bitfield:     packed,
			DesiredState: resume.Started,
		})
		if err != nil {
			s.reportError(fmt.Errorf("swarm: persist resume state: %w", err))
		}
	}
}

func (s *Swarm) reportError(err error) {
	select {
	case s.errCh <- err:
	default:
		s.logger.Printf("dropped error, channel full: %v", err)
	}
}

// Start binds the listener (if configured), starts the router goroutine,
// announces to the tracker, and spawns the outbound connector pool.
func (s *Swarm) Start(ctx context.Context) error {
	if s.listenPort != 0 {
		addr := fmt.Sprintf("%s:%d", s.bindAddr, s.listenPort)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("swarm: bind listener: %w", err)
		}
		s.listener = ln
		go s.acceptLoop(ctx)
	}

	go s.router.Run(s.routerDone)

	if s.tracker != nil {
		go s.announceLoop(ctx)
	}

	return nil
}

func (s *Swarm) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.reportError(fmt.Errorf("swarm: accept: %w", err))
				return
			}
		}
		go s.handleInbound(conn)
	}
}

func (s *Swarm) handleInbound(conn net.Conn) {
	sess := peer.New(conn, peer.Inbound, s.info.InfoHash, s.ourID, uint32(len(s.store.Records)))
	if err := sess.Handshake(); err != nil {
		conn.Close()
		s.reportError(fmt.Errorf("swarm: inbound handshake: %w", err))
		return
	}
	s.attachSession(sess)
}

func (s *Swarm) attachSession(sess *peer.Session) {
	have := bitfield.NewBytes(bitfield.Pack(s.store.Bitmap()), uint32(len(s.store.Records)))
	if err := sess.SendInitialGreeting(have); err != nil {
		sess.Close()
		s.reportError(fmt.Errorf("swarm: initial greeting: %w", err))
		return
	}
	s.router.Attach(sess)
}

// AddPeer manually seeds a peer endpoint: dial, handshake, attach. Used by
// the tracker announce loop and by tests.
func (s *Swarm) AddPeer(ctx context.Context, addr string) error {
	select {
	case s.connSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.connSem }()

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("swarm: dial %s: %w", addr, err)
	}

	sess := peer.New(conn, peer.Outbound, s.info.InfoHash, s.ourID, uint32(len(s.store.Records)))
	if err := sess.Handshake(); err != nil {
		conn.Close()
		return fmt.Errorf("swarm: handshake %s: %w", addr, err)
	}
	s.attachSession(sess)
	return nil
}

func (s *Swarm) announceLoop(ctx context.Context) {
	event := tracker.EventStarted
	for {
		left := s.info.TotalLength() - s.completedBytes()
		resp, err := s.tracker.Announce(ctx, s.info.InfoHash, s.ourID, s.listenPort, 0, 0, left, event)
		event = tracker.EventNone
		if err != nil {
			s.reportError(fmt.Errorf("swarm: announce: %w", err))
		} else {
			for _, p := range resp.Peers {
				go func(addr string) {
					if err := s.AddPeer(ctx, addr); err != nil {
						s.reportError(err)
					}
				}(p.String())
			}
		}

		interval := 30 * time.Minute
		if resp != nil && resp.Interval > 0 {
			interval = time.Duration(resp.Interval) * time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-s.completeCh:
			return
		case <-time.After(interval):
		}
	}
}

func (s *Swarm) completedBytes() int64 {
	var total int64
	for _, rec := range s.store.Records {
		if rec.Complete {
			total += int64(rec.NominalSize)
		}
	}
	return total
}

// Name returns the torrent's suggested name.
func (s *Swarm) Name() string { return s.info.Name }

// NumPieces returns the total piece count.
func (s *Swarm) NumPieces() int { return len(s.store.Records) }

// Progress returns the fraction of pieces complete, in [0,1].
func (s *Swarm) Progress() float64 {
	if len(s.store.Records) == 0 {
		return 0
	}
	var complete int
	for _, rec := range s.store.Records {
		if rec.Complete {
			complete++
		}
	}
	return float64(complete) / float64(len(s.store.Records))
}

// Downloaded returns the number of verified bytes assembled so far.
func (s *Swarm) Downloaded() int64 { return s.completedBytes() }

// PeerCount returns the number of sessions currently attached to the
// router.
func (s *Swarm) PeerCount() int {
	return len(s.router.SessionIDs())
}

// NotifyComplete returns a channel closed once every piece is complete.
func (s *Swarm) NotifyComplete() <-chan struct{} { return s.completeCh }

// NotifyError returns a channel of asynchronous errors encountered outside
// the direct call path (accept/dial/announce/persist failures).
func (s *Swarm) NotifyError() <-chan error { return s.errCh }

// Close stops the router, closes the listener, and flushes storage.
func (s *Swarm) Close() error {
	close(s.routerDone)
	if s.listener != nil {
		s.listener.Close()
	}
	return s.disk.Close()
}
