package generate

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// TokenCounter counts prompt tokens.
type TokenCounter interface {
	CountTokens(text string) int
}

type tiktokenCounter struct {
	encoding *tiktoken.Tiktoken
	mu       sync.Mutex
}

var (
	counterOnce sync.Once
	counter     TokenCounter
)

// DefaultCounter returns a cl100k_base counter, or a four-bytes-per-token
// estimate if the encoding cannot be loaded.
func DefaultCounter() TokenCounter {
	counterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			counter = estimateCounter{}
			return
		}
		counter = &tiktokenCounter{encoding: enc}
	})
	return counter
}

func (c *tiktokenCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.encoding.Encode(text, nil, nil))
}

type estimateCounter struct{}

func (estimateCounter) CountTokens(text string) int {
	return (len(text) + 3) / 4
}
