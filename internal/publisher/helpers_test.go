package publisher

import (
	"testing"

	"github.com/alxayo/quicrq/internal/fragcache"
)

func newTestCache(t *testing.T) *fragcache.Cache {
	t.Helper()
	return fragcache.New("quicrq://live/test")
}
