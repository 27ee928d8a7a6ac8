package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStorage(t *testing.T) {
	snap, err := decodeStorage(`{"local":"{\"cart\":\"3\"}","session":"{}"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"cart":"3"}`, snap.Local)
	assert.Equal(t, "{}", snap.Session)

	_, err = decodeStorage("undefined")
	assert.Error(t, err)
}
