package shmbus

import (
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"gosuda.org/shmbus/internal/liveness"
)

// testConfig returns a small domain private to the test.
func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Prefix = "test_"
	cfg.SegmentDir = t.TempDir()
	cfg.MaxNodes = 4
	cfg.MaxServices = 8
	cfg.MaxPublishers = 2
	cfg.MaxSubscribers = 4
	cfg.MaxListeners = 4
	cfg.MaxNotifiers = 2
	cfg.AttachSlots = 8
	cfg.AttachTimeout = Duration(time.Second)
	cfg.SendTimeout = Duration(20 * time.Millisecond)
	cfg.AllocTimeout = Duration(20 * time.Millisecond)
	// opportunistic sweeps stay out of the way; tests sweep explicitly
	cfg.SweepInterval = Duration(time.Hour)
	cfg.Service.HistoryCapacity = 4
	cfg.Service.SubscriberBufferSize = 4
	return cfg
}

// testProbe reports the nodes it was told about as dead and everything else
// as alive. Every test node lives in the test process, so the process probe
// cannot tell them apart.
type testProbe struct {
	mu   sync.Mutex
	dead map[ulid.ULID]bool
}

func newTestProbe() *testProbe {
	return &testProbe{dead: make(map[ulid.ULID]bool)}
}

func (p *testProbe) Probe(tok liveness.Token) liveness.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dead[tok.Node] {
		return liveness.Dead
	}
	return liveness.Alive
}

func (p *testProbe) kill(id ulid.ULID) {
	p.mu.Lock()
	p.dead[id] = true
	p.mu.Unlock()
}

func newTestNode(t *testing.T, cfg Config, name string, opts ...Option) *Node {
	t.Helper()
	opts = append([]Option{
		WithName(name),
		WithLogger(zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))),
	}, opts...)
	n, err := NewNode(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

// crash drops the node's mappings without detaching or deregistering
// anything, which is all a killed process leaves behind.
func (n *Node) crash() {
	n.closed.Store(true)
	n.mu.Lock()
	for s := range n.services {
		s.view.seg.Close()
	}
	n.services = make(map[*Service]struct{})
	n.mu.Unlock()
	n.regSeg.Close()
}

func testDescriptor(name string) ServiceDescriptor {
	return ServiceDescriptor{
		Name:        name,
		TypeName:    "test.Frame",
		PayloadSize: 64,
	}
}

func openService(t *testing.T, n *Node, d ServiceDescriptor) *Service {
	t.Helper()
	s, err := n.OpenService(d)
	require.NoError(t, err)
	return s
}

// publish sends one sample whose payload starts with b.
func publish(t *testing.T, p *Publisher, b byte) {
	t.Helper()
	s, err := p.Loan()
	require.NoError(t, err)
	s.Payload()[0] = b
	require.NoError(t, s.Send())
}

// drain receives until nothing is left and returns the sequence numbers.
func drain(t *testing.T, s *Subscriber) []uint64 {
	t.Helper()
	var seqs []uint64
	for {
		sample, err := s.Receive()
		require.NoError(t, err)
		if sample == nil {
			return seqs
		}
		seqs = append(seqs, sample.Header().Sequence)
		require.NoError(t, sample.Release())
	}
}

// metricValue returns the counter or gauge called name whose labels include
// labels, or 0 when no such series was recorded.
func metricValue(t *testing.T, n *Node, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := n.Gatherer().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue series
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func freeChunks(s *Service) (free, capacity uint32) {
	for _, c := range s.PoolStats() {
		free += c.Free
		capacity += c.Capacity
	}
	return free, capacity
}
