package embed

import (
	"testing"

	"github.com/MrWong99/convoxa/internal/config"
)

func TestModelDimensions(t *testing.T) {
	cases := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
		{"some-future-model", 1536},
	}
	for _, tc := range cases {
		if got := modelDimensions(tc.model); got != tc.want {
			t.Errorf("modelDimensions(%q) = %d, want %d", tc.model, got, tc.want)
		}
	}
}

func TestNewOpenAI_DefaultModel(t *testing.T) {
	o, err := NewOpenAI("sk-test", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.ModelID() != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, o.ModelID())
	}
}

func TestNewOpenAI_MissingAPIKey(t *testing.T) {
	_, err := NewOpenAI("", "text-embedding-3-small", "")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_DisabledWhenUnnamed(t *testing.T) {
	e, err := New(config.EmbeddingsConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e != nil {
		t.Fatalf("expected nil embedder for empty provider name, got %T", e)
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(config.EmbeddingsConfig{Name: "cohere"})
	if err == nil {
		t.Fatal("expected error for unknown provider name")
	}
}

func TestNew_OpenAI(t *testing.T) {
	e, err := New(config.EmbeddingsConfig{
		Name:   "openai",
		APIKey: "sk-test",
		Model:  "text-embedding-3-large",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Dimensions() != 3072 {
		t.Errorf("Dimensions() = %d, want 3072", e.Dimensions())
	}
}

func TestFloat64ToFloat32(t *testing.T) {
	in := []float64{1.0, 2.5, -0.5}
	out := float64ToFloat32(in)
	if len(out) != len(in) {
		t.Fatalf("expected %d elements, got %d", len(in), len(out))
	}
	for i, v := range out {
		if v != float32(in[i]) {
			t.Errorf("index %d: expected %v, got %v", i, float32(in[i]), v)
		}
	}
}
