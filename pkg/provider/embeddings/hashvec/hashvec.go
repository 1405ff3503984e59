// Package hashvec provides the built-in hashing-projection embeddings
// provider: a deterministic, dependency-free fallback used when no remote or
// local model is configured (spec §4.4). It maps text to a fixed-dimension
// unit vector by hashing token n-grams into buckets, so the same text and
// model id always produce the same vector — no network call, no model file.
package hashvec

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/portel-dev/ncp/pkg/provider/embeddings"
)

// DefaultDimensions is used when New is called with dims <= 0.
const DefaultDimensions = 256

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a deterministic hashing-projection embeddings provider.
type Provider struct {
	dims int
}

// New constructs a Provider producing vectors of the given dimension. A
// non-positive dims falls back to DefaultDimensions.
func New(dims int) *Provider {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Provider{dims: dims}
}

// Embed implements embeddings.Provider. It is pure and deterministic:
// identical text always yields the bytewise-identical vector.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	return project(text, p.dims), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := p.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dims }

// ModelID implements embeddings.Provider. The dimension is part of the id
// because it changes the output space.
func (p *Provider) ModelID() string {
	return "hashvec-" + itoa(p.dims)
}

// project hashes each whitespace-separated token (and its trigrams) into a
// bucket of a dims-length vector, then L2-normalizes the result so cosine
// scoring behaves the same as for any other provider.
func project(text string, dims int) []float32 {
	vec := make([]float32, dims)
	tokens := strings.Fields(strings.ToLower(text))
	for _, tok := range tokens {
		addToken(vec, tok)
		for _, gram := range trigrams(tok) {
			addToken(vec, gram)
		}
	}
	normalize(vec)
	return vec
}

func addToken(vec []float32, tok string) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tok))
	idx := int(h.Sum32()) % len(vec)
	if idx < 0 {
		idx += len(vec)
	}
	sign := float32(1)
	if (h.Sum32()>>31)&1 == 1 {
		sign = -1
	}
	vec[idx] += sign
}

func trigrams(tok string) []string {
	if len(tok) < 3 {
		return nil
	}
	out := make([]string, 0, len(tok)-2)
	for i := 0; i+3 <= len(tok); i++ {
		out = append(out, tok[i:i+3])
	}
	return out
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
