package logits

import "testing"

func TestSamplerDeterminism(t *testing.T) {
	logs := []float32{0, 1, 2, 3, 4, 5}
	s1 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	s2 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	for i := 0; i < 20; i++ {
		a := s1.Sample(append([]float32(nil), logs...), nil)
		b := s2.Sample(append([]float32(nil), logs...), nil)
		if a != b {
			t.Fatalf("step %d: samplers diverged, %d vs %d", i, a, b)
		}
	}
}

func TestSamplerGreedy(t *testing.T) {
	logs := []float32{-1, 5, 3, 7, 2}
	s := NewSampler(SamplerConfig{Seed: 99})
	if idx := s.Sample(logs, nil); idx != 3 {
		t.Fatalf("greedy sample = %d, want 3", idx)
	}
}

// With a dominant logit and a tight top-p, only the top candidate survives
// the nucleus cut.
func TestSamplerTopP(t *testing.T) {
	logs := []float32{10, 0, 0, 0, 0}
	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 1, TopK: 5, TopP: 0.5})
	for i := 0; i < 10; i++ {
		if idx := s.Sample(append([]float32(nil), logs...), nil); idx != 0 {
			t.Fatalf("nucleus sampling returned unexpected index %d", idx)
		}
	}
}

func TestSamplerRepeatPenalty(t *testing.T) {
	logs := []float32{2, 1.9}
	s := NewSampler(SamplerConfig{Seed: 1, RepeatPenalty: 2, RepeatLastN: 8})
	if idx := s.Sample(append([]float32(nil), logs...), []int{0}); idx != 1 {
		t.Fatalf("penalized token still chosen, got %d", idx)
	}
	if idx := s.Sample(append([]float32(nil), logs...), nil); idx != 0 {
		t.Fatalf("unpenalized argmax = %d, want 0", idx)
	}
}

func TestSamplerTopKRestricts(t *testing.T) {
	logs := []float32{0.1, 0.2, 9, 8.9}
	s := NewSampler(SamplerConfig{Seed: 3, Temperature: 1, TopK: 2})
	for i := 0; i < 20; i++ {
		idx := s.Sample(append([]float32(nil), logs...), nil)
		if idx != 2 && idx != 3 {
			t.Fatalf("sample %d outside top-2 shortlist", idx)
		}
	}
}
