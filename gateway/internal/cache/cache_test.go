package cache

import (
	"strconv"
	"testing"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(api string, i int) *models.CallAuditRecord {
	return &models.CallAuditRecord{ID: strconv.Itoa(i), APIID: api}
}

func ids(recs []*models.CallAuditRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestRingBufferWraps(t *testing.T) {
	rb := NewCallRingBuffer(3)
	now := time.Now()

	for i := 1; i <= 2; i++ {
		rb.Add(record("a", i), now)
	}
	assert.Equal(t, []string{"1", "2"}, ids(rb.GetAll()))

	for i := 3; i <= 5; i++ {
		rb.Add(record("a", i), now)
	}
	assert.Equal(t, []string{"3", "4", "5"}, ids(rb.GetAll()))
	assert.Equal(t, []string{"4", "5"}, ids(rb.GetRecent(2)))
	assert.Equal(t, 3, rb.Len())
	assert.Empty(t, rb.GetRecent(-1))
}

func TestLayerPerAPI(t *testing.T) {
	l := NewLayer(2)

	l.AddCall(record("a", 1))
	l.AddCall(record("b", 2))
	l.AddCall(record("a", 3))
	l.AddCall(record("a", 4))

	assert.Equal(t, []string{"3", "4"}, ids(l.RecentCalls("a", 10)))
	assert.Equal(t, []string{"2"}, ids(l.RecentCalls("b", 10)))
	assert.Nil(t, l.RecentCalls("missing", 10))
	assert.ElementsMatch(t, []string{"a", "b"}, l.APIs())
	assert.Equal(t, Stats{APIs: 2, Calls: 3}, l.GetStats())
}

func TestLayerCleanup(t *testing.T) {
	l := NewLayer(5)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.AddCall(record("old", 1))
	now = now.Add(time.Hour)
	l.AddCall(record("fresh", 2))

	l.Cleanup(30 * time.Minute)
	require.Len(t, l.APIs(), 1)
	assert.Equal(t, "fresh", l.APIs()[0])
}
