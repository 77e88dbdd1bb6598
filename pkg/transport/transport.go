// Package transport implements the node's P2P overlay on top of libp2p: a
// single authenticated host, one custom protocol carrying newline-delimited
// JSON envelopes over a direct stream per connected peer, and mDNS-based
// local discovery. Unlike gossipsub-based designs, there is no topic
// fanout — every connected peer gets its own full-duplex stream, matching
// the point-to-point contract this node's router expects.
package transport

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/orbitmesh/node/pkg/logging"
)

// ProtocolID is the single custom protocol this node speaks; there is no
// gossipsub topic, only this direct stream protocol.
const ProtocolID = protocol.ID("/orbitmesh-node/envelope/1.0.0")

// PeerID re-exports libp2p's peer identifier so callers of this package
// never need to import go-libp2p directly.
type PeerID = peer.ID

// Callbacks a node wires in to receive transport events, matching spec.md
// §4.B's on_connect/on_data/on_close/on_error contract.
type Callbacks struct {
	OnConnect func(remotePeer PeerID, remotePubKeyHex string)
	OnData    func(remotePeer PeerID, data []byte)
	OnClose   func(remotePeer PeerID)
	OnError   func(remotePeer PeerID, err error)
}

// Transport owns the libp2p host and every live peer stream.
type Transport struct {
	log *logging.Logger
	cb  Callbacks

	host host.Host

	mu      sync.RWMutex
	writers map[peer.ID]*bufio.Writer
	streams map[peer.ID]network.Stream

	ctx    context.Context
	cancel context.CancelFunc
}

// ClusterTopic derives the 32-byte rendezvous identifier for swarmName, per
// spec.md §6: topic = SHA-256(utf8(cluster_name)).
func ClusterTopic(swarmName string) [32]byte {
	return sha256.Sum256([]byte(swarmName))
}

// New builds a libp2p host seeded from the node's Ed25519 private key,
// enables mDNS discovery under a rendezvous string derived from the
// cluster topic, and installs the envelope stream handler.
func New(ctx context.Context, log *logging.Logger, priv ed25519.PrivateKey, swarmName string, listenAddrs []string, cb Callbacks) (*Transport, error) {
	libp2pPriv, err := crypto.UnmarshalEd25519PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("transport: unmarshal identity key: %w", err)
	}

	cm, err := connmgr.NewConnManager(32, 128)
	if err != nil {
		return nil, fmt.Errorf("transport: connection manager: %w", err)
	}

	if len(listenAddrs) == 0 {
		listenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}

	h, err := libp2p.New(
		libp2p.Identity(libp2pPriv),
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.ConnectionManager(cm),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: create host: %w", err)
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &Transport{
		log:     log.Component("transport"),
		cb:      cb,
		host:    h,
		writers: make(map[peer.ID]*bufio.Writer),
		streams: make(map[peer.ID]network.Stream),
		ctx:     tctx,
		cancel:  cancel,
	}

	h.SetStreamHandler(ProtocolID, t.handleStream)

	topic := ClusterTopic(swarmName)
	rendezvous := hex.EncodeToString(topic[:])
	mdnsService := mdns.NewMdnsService(h, rendezvous, &mdnsNotifee{t: t})
	if err := mdnsService.Start(); err != nil {
		t.log.Warn("mDNS discovery failed to start", zap.Error(err))
	} else {
		t.log.Info("mDNS discovery enabled", zap.String("rendezvous", rendezvous))
	}

	h.Network().Notify(&netNotifiee{t: t})

	t.log.Info("transport started", zap.String("peer_id", h.ID().String()), zap.Strings("addrs", addrStrings(h)))
	return t, nil
}

func addrStrings(h host.Host) []string {
	var out []string
	for _, a := range h.Addrs() {
		out = append(out, a.String())
	}
	return out
}

// handleStream is installed as the libp2p stream handler for ProtocolID. It
// owns the read side of every inbound stream and dispatches each
// newline-delimited message to OnData.
func (t *Transport) handleStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	t.registerStream(remote, s)

	reader := bufio.NewReader(s)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if t.cb.OnData != nil {
				t.cb.OnData(remote, trimNewline(line))
			}
		}
		if err != nil {
			t.closeStream(remote, err)
			return
		}
	}
}

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		return b[:n-1]
	}
	return b
}

func (t *Transport) registerStream(remote peer.ID, s network.Stream) {
	t.mu.Lock()
	t.streams[remote] = s
	t.writers[remote] = bufio.NewWriter(s)
	t.mu.Unlock()

	pubKeyHex := pubKeyHexFromPeer(remote)
	if t.cb.OnConnect != nil {
		t.cb.OnConnect(remote, pubKeyHex)
	}
}

func (t *Transport) closeStream(remote peer.ID, err error) {
	t.mu.Lock()
	delete(t.writers, remote)
	delete(t.streams, remote)
	t.mu.Unlock()

	if err != nil && t.cb.OnError != nil {
		t.cb.OnError(remote, err)
	}
	if t.cb.OnClose != nil {
		t.cb.OnClose(remote)
	}
}

// pubKeyHexFromPeer extracts the raw Ed25519 public key bytes embedded in a
// libp2p peer.ID and returns them hex-encoded. libp2p peer IDs for
// Ed25519 keys embed the raw key, so this needs no network round trip.
func pubKeyHexFromPeer(p peer.ID) string {
	pub, err := p.ExtractPublicKey()
	if err != nil || pub == nil {
		return ""
	}
	raw, err := pub.Raw()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(raw)
}

// dialAndOpenStream opens a fresh stream to remote if one isn't already
// tracked, used both for outbound connects and for Write/Broadcast when no
// inbound stream exists yet.
func (t *Transport) dialAndOpenStream(remote peer.ID) error {
	t.mu.RLock()
	_, ok := t.writers[remote]
	t.mu.RUnlock()
	if ok {
		return nil
	}

	s, err := t.host.NewStream(t.ctx, remote, ProtocolID)
	if err != nil {
		return fmt.Errorf("transport: open stream to %s: %w", remote, err)
	}
	t.registerStream(remote, s)
	go t.handleStream(s)
	return nil
}

// Write sends data, newline-framed, to a single connected peer.
func (t *Transport) Write(remote peer.ID, data []byte) error {
	if err := t.dialAndOpenStream(remote); err != nil {
		return err
	}
	t.mu.RLock()
	w, ok := t.writers[remote]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: no stream to %s", remote)
	}
	if _, err := w.Write(append(append([]byte{}, data...), '\n')); err != nil {
		t.closeStream(remote, err)
		return err
	}
	if err := w.Flush(); err != nil {
		t.closeStream(remote, err)
		return err
	}
	return nil
}

// Broadcast sends data to every currently connected peer, best effort: a
// write failure to one peer closes that peer's stream but does not abort
// the broadcast to the rest.
func (t *Transport) Broadcast(data []byte) {
	t.mu.RLock()
	peers := make([]peer.ID, 0, len(t.writers))
	for p := range t.writers {
		peers = append(peers, p)
	}
	t.mu.RUnlock()

	for _, p := range peers {
		if err := t.Write(p, data); err != nil {
			t.log.Warn("broadcast write failed", zap.String("peer_id", p.String()), zap.Error(err))
		}
	}
}

// Shutdown tears down every stream and closes the host.
func (t *Transport) Shutdown() error {
	t.cancel()
	t.mu.Lock()
	for _, s := range t.streams {
		_ = s.Close()
	}
	t.mu.Unlock()
	return t.host.Close()
}

// HostID returns this node's own libp2p peer ID.
func (t *Transport) HostID() peer.ID { return t.host.ID() }

// netNotifiee relays libp2p connection lifecycle events so a peer whose
// connection simply drops is still reported through OnClose (with no
// error, so OnError is not called).
type netNotifiee struct{ t *Transport }

func (n *netNotifiee) Listen(network.Network, ma.Multiaddr)      {}
func (n *netNotifiee) ListenClose(network.Network, ma.Multiaddr) {}
func (n *netNotifiee) Connected(network.Network, network.Conn)   {}
func (n *netNotifiee) Disconnected(_ network.Network, c network.Conn) {
	n.t.closeStream(c.RemotePeer(), nil)
}

// mdnsNotifee dials peers discovered on the local network under the
// cluster's rendezvous string.
type mdnsNotifee struct{ t *Transport }

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.t.host.ID() {
		return
	}
	if err := n.t.host.Connect(n.t.ctx, pi); err != nil {
		n.t.log.Warn("failed to connect to discovered peer", zap.String("peer_id", pi.ID.String()), zap.Error(err))
		return
	}
	if err := n.t.dialAndOpenStream(pi.ID); err != nil {
		n.t.log.Warn("failed to open envelope stream", zap.String("peer_id", pi.ID.String()), zap.Error(err))
	}
}
