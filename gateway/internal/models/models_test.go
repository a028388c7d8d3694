package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringMapScan(t *testing.T) {
	var m StringMap
	require.NoError(t, m.Scan([]byte(`{"header_name":"X-Key","api_key":"s3cret"}`)))
	assert.Equal(t, "X-Key", m["header_name"])

	require.NoError(t, m.Scan(nil))
	assert.Empty(t, m)

	assert.Error(t, m.Scan(42))
	assert.Error(t, m.Scan("not json"))
}

func TestStringListValue(t *testing.T) {
	v, err := StringList(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)

	var l StringList
	require.NoError(t, l.Scan(`["defi","oracle"]`))
	assert.Equal(t, StringList{"defi", "oracle"}, l)
}

func TestRegisteredAPICallable(t *testing.T) {
	api := &RegisteredAPI{IsActive: true, Status: APIStatusPublished}
	assert.True(t, api.Callable())

	api.Status = APIStatusDraft
	assert.False(t, api.Callable())

	api.Status = APIStatusPublished
	api.IsActive = false
	assert.False(t, api.Callable())
}
