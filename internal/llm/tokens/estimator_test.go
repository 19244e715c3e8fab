package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristic(t *testing.T) {
	assert.Equal(t, 0, Heuristic(""))
	assert.Equal(t, 1, Heuristic("abc"))
	assert.Equal(t, 1, Heuristic("abcd"))
	assert.Equal(t, 2, Heuristic("abcde"))
	assert.Equal(t, 250, Heuristic(strings.Repeat("x", 1000)))
}

func TestEstimatorWithoutEncoding(t *testing.T) {
	e := NewEstimator("", nil)
	assert.Equal(t, 0, e.Count(""))
	assert.Equal(t, Heuristic("suspicious login from new device"), e.Count("suspicious login from new device"))
}

func TestEstimatorUnknownEncodingFallsBack(t *testing.T) {
	e := NewEstimator("no_such_encoding", nil)
	assert.Equal(t, Heuristic("hello world"), e.Count("hello world"))
}
