package lb

import (
	"testing"

	"github.com/fabian4/dynaproxy/internal/model"
)

func backends(weights ...int) []model.Backend {
	names := []string{"http://a", "http://b", "http://c", "http://d"}
	out := make([]model.Backend, len(weights))
	for i, w := range weights {
		out[i] = model.NewBackend(names[i], w)
	}
	return out
}

func hostOf(bs []model.Backend, i int) string {
	if i < 0 {
		return "<none>"
	}
	return bs[i].URL().Host
}

func TestSmoothWRR(t *testing.T) {
	bs := backends(5, 1, 1)
	b := New(model.Cluster{Strategy: model.StrategyWeighted})

	// Total weight = 7
	// A (5, 1, 1) -> current: 5, 1, 1 -> best A (5) -> current: -2, 1, 1
	// A (5, 1, 1) -> current: 3, 2, 2 -> best A (3) -> current: -4, 2, 2
	// B (5, 1, 1) -> current: 1, 3, 3 -> best B (3) -> current: 1, -4, 3
	// A (5, 1, 1) -> current: 6, -3, 4 -> best A (6) -> current: -1, -3, 4
	// C (5, 1, 1) -> current: 4, -2, 5 -> best C (5) -> current: 4, -2, -2
	// A (5, 1, 1) -> current: 9, -1, -1 -> best A (9) -> current: 2, -1, -1
	// A (5, 1, 1) -> current: 7, 0, 0 -> best A (7) -> current: 0, 0, 0
	expected := []string{"a", "a", "b", "a", "c", "a", "a"}

	for i, want := range expected {
		if got := hostOf(bs, b.Next(bs)); got != want {
			t.Errorf("step %d: got %s, want %s", i, got, want)
		}
	}
}

func TestRoundRobin_Cycles(t *testing.T) {
	bs := backends(1, 1, 1)
	b := New(model.Cluster{Strategy: model.StrategyRoundRobin})

	expected := []string{"a", "b", "c", "a", "b", "c"}
	for i, want := range expected {
		if got := hostOf(bs, b.Next(bs)); got != want {
			t.Errorf("step %d: got %s, want %s", i, got, want)
		}
	}
}

func TestRoundRobin_SkipsUnhealthy(t *testing.T) {
	bs := backends(1, 1, 1)
	bs[1].Healthy = false
	b := New(model.Cluster{Strategy: model.StrategyRoundRobin})

	for i := 0; i < 6; i++ {
		if got := hostOf(bs, b.Next(bs)); got == "b" {
			t.Fatalf("step %d: unhealthy backend b selected", i)
		}
	}
}

func TestHealthPolicy_AllUnhealthy(t *testing.T) {
	for _, strategy := range []model.Strategy{model.StrategyRoundRobin, model.StrategyWeighted, model.StrategyRandom} {
		t.Run(string(strategy), func(t *testing.T) {
			bs := backends(1)
			bs[0].Healthy = false

			advisory := New(model.Cluster{Strategy: strategy, HealthPolicy: model.PolicyAdvisory})
			if got := advisory.Next(bs); got != 0 {
				t.Fatalf("advisory: got %d, want 0 (sole backend still selectable)", got)
			}

			strict := New(model.Cluster{Strategy: strategy, HealthPolicy: model.PolicyStrict})
			if got := strict.Next(bs); got != -1 {
				t.Fatalf("strict: got %d, want -1", got)
			}
		})
	}
}

func TestHealthPolicy_DefaultIsAdvisory(t *testing.T) {
	bs := backends(1, 1)
	bs[0].Healthy = false
	bs[1].Healthy = false
	b := New(model.Cluster{})
	if got := b.Next(bs); got < 0 {
		t.Fatalf("default policy should fall back to unhealthy backends, got %d", got)
	}
}

func TestSmoothWRR_ResizeResetsState(t *testing.T) {
	b := New(model.Cluster{Strategy: model.StrategyWeighted})
	bs := backends(1, 1)
	_ = b.Next(bs)
	bs = backends(1, 1, 1)
	if got := hostOf(bs, b.Next(bs)); got != "a" {
		t.Fatalf("after resize: got %s, want a", got)
	}
}

func TestRandom_OnlyEligible(t *testing.T) {
	bs := backends(1, 1, 1)
	bs[0].Healthy = false
	bs[2].Healthy = false
	b := New(model.Cluster{Strategy: model.StrategyRandom})
	for i := 0; i < 20; i++ {
		if got := hostOf(bs, b.Next(bs)); got != "b" {
			t.Fatalf("iteration %d: got %s, want b", i, got)
		}
	}
}

func TestNext_Empty(t *testing.T) {
	b := New(model.Cluster{})
	if got := b.Next(nil); got != -1 {
		t.Fatalf("got %d, want -1", got)
	}
}
