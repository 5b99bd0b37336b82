package checksum

import (
	"bytes"
	"crypto/md5"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	data := payload(200_000)
	md := md5.Sum(data)

	sums, err := Compute(bytes.NewReader(data), int64(len(data)), MD5, ADLER32, MD5)
	require.NoError(t, err)
	assert.Equal(t, []Checksum{
		{Type: MD5, Value: md[:]},
		{Type: ADLER32, Value: adler(data)},
	}, sums)

	// only the first size bytes count
	sums, err = Compute(bytes.NewReader(data), 10, ADLER32)
	require.NoError(t, err)
	assert.Equal(t, adler(data[:10]), sums[0].Value)

	sums, err = Compute(bytes.NewReader(data), 0)
	require.NoError(t, err)
	assert.Empty(t, sums)
}

func TestCompute_Errors(t *testing.T) {
	_, err := Compute(bytes.NewReader([]byte("short")), 10, ADLER32)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = Compute(bytes.NewReader(nil), 0, Type(42))
	assert.Error(t, err)
}

func TestFind(t *testing.T) {
	sums := []Checksum{{Type: ADLER32, Value: []byte{1}}, {Type: MD5, Value: []byte{2}}}

	c, ok := Find(sums, MD5)
	require.True(t, ok)
	assert.Equal(t, []byte{2}, c.Value)

	_, ok = Find(sums, XXH64)
	assert.False(t, ok)
}
