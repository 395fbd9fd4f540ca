package embedding

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/connexus/finchat/internal/apperr"
)

type fakeModel struct {
	calls int32
}

func (m *fakeModel) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&m.calls, 1)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{3, 4} // norm 5
	}
	return out, nil
}

func TestService_EmbedBatch_Normalizes(t *testing.T) {
	model := &fakeModel{}
	svc := NewService(func(ctx context.Context) (Model, error) { return model, nil })

	vecs, err := svc.EmbedBatch(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("EmbedBatch() error: %v", err)
	}
	if len(vecs) != 1 || len(vecs[0]) != 2 {
		t.Fatalf("unexpected shape: %v", vecs)
	}
	if vecs[0][0] != 0.6 || vecs[0][1] != 0.8 {
		t.Errorf("vecs[0] = %v, want [0.6, 0.8]", vecs[0])
	}
}

func TestService_EmbedBatch_EmptyInputIsInputError(t *testing.T) {
	svc := NewService(func(ctx context.Context) (Model, error) { return &fakeModel{}, nil })

	_, err := svc.EmbedBatch(context.Background(), nil)
	if !errors.Is(err, apperr.InputError) {
		t.Fatalf("err = %v, want InputError", err)
	}

	_, err = svc.EmbedBatch(context.Background(), []string{""})
	if !errors.Is(err, apperr.InputError) {
		t.Fatalf("err = %v, want InputError", err)
	}
}

func TestService_LoaderCalledOnce(t *testing.T) {
	model := &fakeModel{}
	var loadCount int32
	svc := NewService(func(ctx context.Context) (Model, error) {
		atomic.AddInt32(&loadCount, 1)
		return model, nil
	})

	for i := 0; i < 5; i++ {
		if _, err := svc.Embed(context.Background(), "x"); err != nil {
			t.Fatalf("Embed() error: %v", err)
		}
	}

	if loadCount != 1 {
		t.Errorf("loader called %d times, want 1", loadCount)
	}
}

func TestService_LoaderNotCalledBeforeFirstEmbed(t *testing.T) {
	var loaded bool
	NewService(func(ctx context.Context) (Model, error) {
		loaded = true
		return &fakeModel{}, nil
	})

	if loaded {
		t.Error("loader ran during NewService, want lazy load on first Embed")
	}
}

func TestService_ModelLoadError(t *testing.T) {
	svc := NewService(func(ctx context.Context) (Model, error) {
		return nil, errors.New("boom")
	})

	_, err := svc.Embed(context.Background(), "x")
	if !errors.Is(err, apperr.Fatal) {
		t.Fatalf("err = %v, want Fatal (ModelLoadError)", err)
	}
}
