package swarm

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/mindsgn-studio/swarmline/internal/metainfo"
)

func buildTwoPieceInfo() (*metainfo.Info, []byte, []byte) {
	pieceA := []byte("AAAAAAAAAAAAAAAA")
	pieceB := []byte("BBBBBBBBBBBBBBBB")
	info := &metainfo.Info{
		Name:        "loopback.bin",
		PieceLength: 16,
		Pieces:      [][20]byte{sha1.Sum(pieceA), sha1.Sum(pieceB)},
		Length:      32,
	}
	return info, pieceA, pieceB
}

func TestLoopbackTwoPieceTransfer(t *testing.T) {
	info, pieceA, pieceB := buildTwoPieceInfo()

	var seedID [20]byte
	copy(seedID[:], "seed-peer-id-0000001")
	seed, err := New(info, t.TempDir(), nil, WithListenPort(0), WithPeerID(seedID))
	if err != nil {
		t.Fatalf("new seed swarm: %v", err)
	}
	if err := seed.store.Records[0].AcceptPiece(pieceA); err != nil {
		t.Fatalf("seed piece 0: %v", err)
	}
	if err := seed.store.Records[1].AcceptPiece(pieceB); err != nil {
		t.Fatalf("seed piece 1: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	seed.listener = ln
	go seed.router.Run(seed.routerDone)
	go seed.acceptLoop(ctx)

	var leechID [20]byte
	copy(leechID[:], "leech-peer-id-000001")
	leech, err := New(info, t.TempDir(), nil, WithPeerID(leechID))
	if err != nil {
		t.Fatalf("new leech swarm: %v", err)
	}
	go leech.router.Run(leech.routerDone)

	if err := leech.AddPeer(ctx, seed.listener.Addr().String()); err != nil {
		t.Fatalf("add peer: %v", err)
	}

	select {
	case <-leech.NotifyComplete():
	case err := <-leech.NotifyError():
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for loopback transfer to complete")
	}

	if !leech.store.AllComplete() {
		t.Fatalf("expected leech swarm to report all pieces complete")
	}
}
