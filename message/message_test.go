package message

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueAccessors(t *testing.T) {
	assert.True(t, Null().IsNull())
	assert.True(t, Value{}.IsNull(), "zero value is null")
	assert.True(t, Bool(true).Bool())

	n, ok := Int(-7).Int64()
	require.True(t, ok)
	assert.Equal(t, int64(-7), n)

	n, ok = Long(1 << 40).Int64()
	require.True(t, ok)
	assert.Equal(t, int64(1<<40), n)

	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	_, ok = BigInt(huge).Int64()
	assert.False(t, ok, "value wider than 64 bits")
	assert.Equal(t, 0, huge.Cmp(BigInt(huge).BigInt()))

	assert.Equal(t, "o12", Ref("o12").RefID())
	assert.Equal(t, "", String("o12").RefID())

	p := Proxy(struct{}{}, "java.lang.Runnable", "java.io.Closeable")
	assert.Equal(t, KindProxy, p.Kind())
	assert.Equal(t, []string{"java.lang.Runnable", "java.io.Closeable"}, p.Interfaces())
}

func TestBigIntCopiesInput(t *testing.T) {
	x := big.NewInt(5)
	v := BigInt(x)
	x.SetInt64(6)
	n, _ := v.Int64()
	assert.Equal(t, int64(5), n)
}

func TestInterface(t *testing.T) {
	assert.Nil(t, Void().Interface())
	assert.Equal(t, int64(3), Int(3).Interface())
	assert.Equal(t, int64(3), Long(3).Interface())
	assert.Equal(t, "abc", String("abc").Interface())
	assert.Equal(t, 1.5, Double(1.5).Interface())
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("broken pipe")
	err := fmt.Errorf("send: %w", &TransportError{Op: "write", Addr: "127.0.0.1:25333", Err: cause})

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "write", te.Op)
	assert.ErrorIs(t, err, cause)

	closed := &TransportError{Op: "read", Err: ErrConnectionClosed}
	assert.ErrorIs(t, closed, ErrConnectionClosed)

	remote := &RemoteError{RefID: "o9"}
	assert.Equal(t, "o9", remote.Ref().RefID())
	assert.Contains(t, remote.Error(), "o9")

	assert.Equal(t, "protocol: bad 1", Protocolf("bad %d", 1).Error())
}
