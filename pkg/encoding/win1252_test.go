package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToUTF8DecodesLatin(t *testing.T) {
	raw := []byte{'A', 0xE7, 'a', 0xED, ' ', 'L', 't', 'd', 'a'}
	assert.Equal(t, "Açaí Ltda", ToUTF8(raw))
}

func TestToUTF8TrimsPadding(t *testing.T) {
	assert.Equal(t, "ABC", ToUTF8([]byte("ABC   ")))
	assert.Equal(t, "", ToUTF8(nil))
}

func TestDecodeValue(t *testing.T) {
	assert.Equal(t, "é", DecodeValue([]byte{0xE9}))
	assert.Equal(t, int64(3), DecodeValue(int64(3)))
	assert.Nil(t, DecodeValue(nil))
}
