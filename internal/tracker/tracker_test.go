package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mindsgn-studio/swarmline/internal/bencode"
)

func TestAnnounceParsesCompactPeersAndInterval(t *testing.T) {
	peers := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE2}
	resp := bencode.Dict{
		"interval": bencode.Int(1800),
		"peers":    bencode.String(peers),
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(resp.Encode())
	}))
	defer server.Close()

	c := NewClient(server.URL)
	var infoHash, peerID [20]byte
	got, err := c.Announce(context.Background(), infoHash, peerID, 6881, 0, 0, 100, EventStarted)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if got.Interval != 1800 {
		t.Fatalf("expected interval 1800, got %d", got.Interval)
	}
	if len(got.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(got.Peers))
	}
	if got.Peers[0].String() != "127.0.0.1:6881" {
		t.Fatalf("unexpected first peer: %s", got.Peers[0].String())
	}
	if got.Peers[1].String() != "10.0.0.2:6882" {
		t.Fatalf("unexpected second peer: %s", got.Peers[1].String())
	}
}

func TestAnnounceSurfacesFailureReason(t *testing.T) {
	resp := bencode.Dict{"failure reason": bencode.String("info_hash not found")}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(resp.Encode())
	}))
	defer server.Close()

	c := NewClient(server.URL)
	var infoHash, peerID [20]byte
	_, err := c.Announce(context.Background(), infoHash, peerID, 6881, 0, 0, 100, EventNone)
	if err == nil {
		t.Fatalf("expected failure reason to surface as error")
	}
}

func TestGeneratePeerIDShape(t *testing.T) {
	id, err := GeneratePeerID()
	if err != nil {
		t.Fatalf("generate peer id: %v", err)
	}
	if len(id) != 20 {
		t.Fatalf("expected 20 bytes, got %d", len(id))
	}
	if string(id[0:2]) != ClientPrefix {
		t.Fatalf("expected prefix %q, got %q", ClientPrefix, id[0:2])
	}
	if id[2] != '-' {
		t.Fatalf("expected delimiter at index 2, got %q", id[2])
	}
	for i := 3; i < 20; i++ {
		if id[i] < '0' || id[i] > '9' {
			t.Fatalf("expected decimal digit at index %d, got %q", i, id[i])
		}
	}
}

func TestGeneratePeerIDIsRandomized(t *testing.T) {
	a, _ := GeneratePeerID()
	b, _ := GeneratePeerID()
	if a == b {
		t.Fatalf("expected two generated peer-ids to differ")
	}
}
