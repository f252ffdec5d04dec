package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func TestEnsureUTF8Bytes(t *testing.T) {
	assert.Equal(t, "", EnsureUTF8Bytes(nil))
	assert.Equal(t, "plain", EnsureUTF8Bytes([]byte("plain")))

	gbk, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte("接口状态"))
	require.NoError(t, err)
	assert.Equal(t, "接口状态", EnsureUTF8Bytes(gbk), "GBK 输出应被自动识别")
}

func TestCharset(t *testing.T) {
	auto, err := ParseCharset("")
	require.NoError(t, err)
	assert.Equal(t, "auto", auto.Name())

	cs, err := ParseCharset("GBK")
	require.NoError(t, err)
	gbk, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte("设备"))
	require.NoError(t, err)
	assert.Equal(t, "设备", cs.Decode(gbk))

	_, err = ParseCharset("no-such-charset")
	assert.Error(t, err)
}
