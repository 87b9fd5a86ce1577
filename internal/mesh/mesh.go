// Package mesh maintains a weighted graph of active peers and
// periodically recomputes the node's preferred topology: a ranked
// best-peers list, a minimum spanning tree, and a load-balanced
// selection, grounded on the original implementation's NetworkNode/
// NetworkEdge model.
package mesh

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Peer is one candidate mesh member, mirroring spec.md's PeerLink.
type Peer struct {
	PeerID      string
	Address     string
	Port        int
	LatencyMS   float64
	BandwidthMb float64
	Active      bool
	LastSeen    time.Time
}

// Edge is a weighted connection between two peers in the candidate graph.
type Edge struct {
	A, B   string
	Weight float64
}

// Weights configures the edge-weight formula:
// w = wLatency*avg(lat_u,lat_v) + (1-wBandwidth)*(1/max(avg_bw,eps)).
type Weights struct {
	Latency   float64
	Bandwidth float64
}

// DefaultWeights matches spec.md §4.8.
var DefaultWeights = Weights{Latency: 0.6, Bandwidth: 0.4}

const epsilon = 1e-6

// Topology is the optimizer's periodic output.
type Topology struct {
	BestPeers    []string // top 5 by ascending edge weight to the local node
	MST          []Edge
	LoadBalanced []string // active peers sorted by bandwidth descending
}

// Thresholds gates when a remesh is considered necessary.
type Thresholds struct {
	LatencyMS float64
	MinBandwidthMb float64
}

// Optimizer owns the current peer set and last computed topology.
type Optimizer struct {
	weights    Weights
	thresholds Thresholds

	mu       sync.Mutex
	peers    map[string]*Peer
	topology Topology
}

func New(weights Weights, thresholds Thresholds) *Optimizer {
	return &Optimizer{
		weights:    weights,
		thresholds: thresholds,
		peers:      make(map[string]*Peer),
	}
}

func (o *Optimizer) AddPeer(p Peer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := p
	o.peers[p.PeerID] = &cp
}

func (o *Optimizer) RemovePeer(peerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.peers, peerID)
}

func (o *Optimizer) UpdateLatency(peerID string, latencyMS float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.peers[peerID]; ok {
		p.LatencyMS = latencyMS
		p.LastSeen = time.Now()
	}
}

func (o *Optimizer) UpdateBandwidth(peerID string, bandwidthMb float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.peers[peerID]; ok {
		p.BandwidthMb = bandwidthMb
	}
}

// NeedsRemesh reports whether any active peer has crossed the latency
// or bandwidth thresholds, or gone inactive.
func (o *Optimizer) NeedsRemesh() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.peers {
		if !p.Active {
			return true
		}
		if p.LatencyMS > o.thresholds.LatencyMS {
			return true
		}
		if p.BandwidthMb < o.thresholds.MinBandwidthMb {
			return true
		}
	}
	return false
}

func edgeWeight(w Weights, a, b *Peer) float64 {
	avgLatency := (a.LatencyMS + b.LatencyMS) / 2
	avgBandwidth := (a.BandwidthMb + b.BandwidthMb) / 2
	if avgBandwidth < epsilon {
		avgBandwidth = epsilon
	}
	return w.Latency*avgLatency + (1-w.Bandwidth)*(1/avgBandwidth)
}

// Recompute builds the ranked best-peers list, the Prim's-MST
// topology, and the load-balanced ordering from the current peer set,
// then publishes the result. localID's direct edges drive BestPeers;
// MST spans the active peers only (localID is not a vertex of it).
func (o *Optimizer) Recompute(localID string) Topology {
	o.mu.Lock()
	active := make([]*Peer, 0, len(o.peers))
	for _, p := range o.peers {
		if p.Active {
			active = append(active, p)
		}
	}
	weights := o.weights
	o.mu.Unlock()

	local := &Peer{PeerID: localID}

	type scored struct {
		peerID string
		weight float64
	}
	scoredPeers := make([]scored, 0, len(active))
	for _, p := range active {
		scoredPeers = append(scoredPeers, scored{p.PeerID, edgeWeight(weights, local, p)})
	}
	sort.Slice(scoredPeers, func(i, j int) bool { return scoredPeers[i].weight < scoredPeers[j].weight })

	best := make([]string, 0, 5)
	for i := 0; i < len(scoredPeers) && i < 5; i++ {
		best = append(best, scoredPeers[i].peerID)
	}

	mst := primMST(weights, active)

	lb := make([]*Peer, len(active))
	copy(lb, active)
	sort.Slice(lb, func(i, j int) bool { return lb[i].BandwidthMb > lb[j].BandwidthMb })
	lbIDs := make([]string, len(lb))
	for i, p := range lb {
		lbIDs[i] = p.PeerID
	}

	topo := Topology{BestPeers: best, MST: mst, LoadBalanced: lbIDs}

	o.mu.Lock()
	o.topology = topo
	o.mu.Unlock()
	return topo
}

// Topology returns the last published result of Recompute.
func (o *Optimizer) Topology() Topology {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.topology
}

// primMST computes a minimum spanning tree over peers using Prim's
// algorithm with the shared edge-weight formula.
func primMST(w Weights, peers []*Peer) []Edge {
	if len(peers) < 2 {
		return nil
	}
	inTree := make(map[string]bool, len(peers))
	inTree[peers[0].PeerID] = true
	var mst []Edge

	for len(inTree) < len(peers) {
		var bestEdge Edge
		bestWeight := math.Inf(1)
		found := false
		for _, u := range peers {
			if !inTree[u.PeerID] {
				continue
			}
			for _, v := range peers {
				if inTree[v.PeerID] {
					continue
				}
				weight := edgeWeight(w, u, v)
				if weight < bestWeight {
					bestWeight = weight
					bestEdge = Edge{A: u.PeerID, B: v.PeerID, Weight: weight}
					found = true
				}
			}
		}
		if !found {
			break // disconnected remainder; no edge can reach it
		}
		mst = append(mst, bestEdge)
		inTree[bestEdge.B] = true
	}
	return mst
}
