package inference

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"

	"eegrun/internal/classify"
	"eegrun/internal/transfer"
)

// Random stands in for the model service in mock sessions: it emits a
// seeded random class per sub-window and accepts every retrain request.
// Each model draws from its own stream, so labels do not depend on the
// order concurrent ensemble calls arrive in.
type Random struct {
	seed int64

	mu      sync.Mutex
	streams map[string]*rand.Rand
}

func NewRandom(seed int64) *Random {
	return &Random{seed: seed, streams: make(map[string]*rand.Rand)}
}

func (r *Random) Predict(ctx context.Context, ref classify.ModelRef, batch [][][]float64) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rng := r.stream(ref.ID)
	labels := make([]int, len(batch))
	for i := range labels {
		labels[i] = rng.Intn(2)
	}
	return labels, nil
}

func (r *Random) stream(modelID string) *rand.Rand {
	rng, ok := r.streams[modelID]
	if !ok {
		h := fnv.New64a()
		_, _ = h.Write([]byte(modelID))
		rng = rand.New(rand.NewSource(r.seed ^ int64(h.Sum64())))
		r.streams[modelID] = rng
	}
	return rng
}

func (r *Random) Retrain(ctx context.Context, _ transfer.RetrainRequest) error {
	return ctx.Err()
}
