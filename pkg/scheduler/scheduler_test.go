package scheduler

import (
	"testing"

	"github.com/cuemby/aegis/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestBasicScoreCountsServices(t *testing.T) {
	s := New(Basic)
	s.AddNode("n1", NodeResources{})
	s.AddNode("n2", NodeResources{})
	s.AddServiceUsage("n1", "vm:100", ServiceDemand{})
	s.AddServiceUsage("n1", "vm:101", ServiceDemand{})
	s.AddServiceUsage("n2", "vm:102", ServiceDemand{})

	require.Equal(t, float64(2), s.Score("n1"))
	require.Equal(t, float64(1), s.Score("n2"))
}

func TestStaticScoreWeightsCPUAndMemory(t *testing.T) {
	s := New(Static)
	s.AddNode("n1", NodeResources{CPUs: 4, MemoryMB: 8192})
	s.AddServiceUsage("n1", "vm:100", ServiceDemand{MaxCPU: 2, MemoryMB: 4096})

	score := s.Score("n1")
	require.InDelta(t, 0.5, score, 0.001) // (2/4)^2 + (4096/8192)^2 = 0.25+0.25
}

func TestStaticFailsClosedToBasicWhenResourcesZero(t *testing.T) {
	s := New(Static)
	s.AddNode("n1", NodeResources{})
	s.AddServiceUsage("n1", "vm:100", ServiceDemand{MaxCPU: 2, MemoryMB: 4096})
	s.AddServiceUsage("n1", "vm:101", ServiceDemand{MaxCPU: 2, MemoryMB: 4096})

	require.Equal(t, float64(2), s.Score("n1"))
}

func TestRankByScoreBreaksTiesByNodeName(t *testing.T) {
	scores := map[types.Node]float64{"n2": 1, "n1": 1, "n3": 0}
	ranked := RankByScore(scores)
	require.Equal(t, []types.Node{"n3", "n1", "n2"}, ranked)
}

func TestScoreNodesToStartServiceOnlyScoresCandidates(t *testing.T) {
	s := New(Basic)
	s.AddNode("n1", NodeResources{})
	s.AddNode("n2", NodeResources{})
	s.AddNode("n3", NodeResources{})
	s.AddServiceUsage("n2", "vm:100", ServiceDemand{})

	scores := s.ScoreNodesToStartService([]types.Node{"n1", "n2"}, "n1")
	require.Len(t, scores, 2)
	require.Contains(t, scores, types.Node("n1"))
	require.Contains(t, scores, types.Node("n2"))
	require.NotContains(t, scores, types.Node("n3"))
}

func TestResetClearsUsageNotResources(t *testing.T) {
	s := New(Basic)
	s.AddNode("n1", NodeResources{})
	s.AddServiceUsage("n1", "vm:100", ServiceDemand{})
	require.Equal(t, float64(1), s.Score("n1"))

	s.Reset()
	require.Equal(t, float64(0), s.Score("n1"))
}
