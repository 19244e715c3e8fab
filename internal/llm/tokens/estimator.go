// Package tokens estimates prompt sizes for routing decisions.
package tokens

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// DefaultEncoding is the BPE encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

// Estimator counts tokens with a BPE encoding. When the encoding cannot be
// loaded (offline hosts fetch the BPE ranks on first use) it falls back to
// roughly four characters per token.
type Estimator struct {
	encoding string
	logger   *zap.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator creates an estimator. An empty encoding selects the
// character heuristic only.
func NewEstimator(encoding string, logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{encoding: encoding, logger: logger.Named("tokens")}
}

// Count returns the estimated token count of text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoder(); enc != nil {
		return len(enc.EncodeOrdinary(text))
	}
	return Heuristic(text)
}

func (e *Estimator) encoder() *tiktoken.Tiktoken {
	if e.encoding == "" {
		return nil
	}
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			e.logger.Warn("Token encoding unavailable, using character heuristic",
				zap.String("encoding", e.encoding), zap.Error(err))
			return
		}
		e.enc = enc
	})
	return e.enc
}

// Heuristic approximates tokens as one per four characters, rounding up.
func Heuristic(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}
