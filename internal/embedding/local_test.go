package embedding

import (
	"context"
	"testing"
)

func TestLocalEngineDeterministic(t *testing.T) {
	e := NewLocalEngine(128)
	ctx := context.Background()

	a, err := e.Embed(ctx, "turn off the lights")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	b, err := e.Embed(ctx, "turn off the lights")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	if len(a) != 128 {
		t.Fatalf("dimension = %d, want 128", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding not deterministic at index %d: %v != %v", i, a[i], b[i])
		}
	}
}

func TestLocalEngineSimilarityOrdering(t *testing.T) {
	e := NewLocalEngine(256)
	ctx := context.Background()

	query, _ := e.Embed(ctx, "turn off the kitchen lights")
	near, _ := e.Embed(ctx, "the kitchen lights are off")
	far, _ := e.Embed(ctx, "battery charge level is nominal")

	simNear, err := CosineSimilarity(query, near)
	if err != nil {
		t.Fatalf("CosineSimilarity failed: %v", err)
	}
	simFar, err := CosineSimilarity(query, far)
	if err != nil {
		t.Fatalf("CosineSimilarity failed: %v", err)
	}

	if simNear <= simFar {
		t.Errorf("lexically close text did not score higher: near=%v far=%v", simNear, simFar)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name    string
		a, b    []float32
		want    float64
		wantErr bool
	}{
		{name: "identical", a: []float32{1, 0}, b: []float32{1, 0}, want: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, want: 0},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-1, 0}, want: -1},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 1}, want: 0},
		{name: "dimension mismatch", a: []float32{1}, b: []float32{1, 0}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := got - tt.want; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("CosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEmbedBatch(t *testing.T) {
	e := NewLocalEngine(64)
	vecs, err := e.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 64 {
			t.Errorf("vector %d has dimension %d, want 64", i, len(v))
		}
	}
}
