package chain

import (
	"context"
	"encoding/hex"
	"math/big"
	"testing"

	"keeper/pkg/exception"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	reply []byte
	err   error
	msgs  []ethereum.CallMsg
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.msgs = append(f.msgs, msg)
	return f.reply, f.err
}

var (
	usdc  = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")
	owner = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func TestBalanceOfCallData(t *testing.T) {
	data := balanceOfData(owner)
	require.Len(t, data, 36)
	assert.Equal(t, "70a08231", hex.EncodeToString(data[:4]))
	assert.Equal(t, owner.Bytes(), data[16:])
	assert.Equal(t, make([]byte, 12), data[4:16])
}

func TestCollateralBalanceScalesByDecimals(t *testing.T) {
	caller := &fakeCaller{reply: common.LeftPadBytes(big.NewInt(12_345_678).Bytes(), 32)}
	token := NewToken(caller, usdc, owner, 6)

	bal, err := token.CollateralBalance(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "12.345678", bal.String())
	require.Len(t, caller.msgs, 1)
	assert.Equal(t, usdc, *caller.msgs[0].To)
}

func TestCollateralBalanceErrors(t *testing.T) {
	token := NewToken(&fakeCaller{}, usdc, owner, 6)
	_, err := token.CollateralBalance(t.Context())
	assert.ErrorIs(t, err, exception.ErrEmptyBalanceReply)

	boom := exception.ErrConnectionClose
	token = NewToken(&fakeCaller{err: boom}, usdc, owner, 6)
	_, err = token.CollateralBalance(t.Context())
	assert.ErrorIs(t, err, boom)
}

func TestDialValidates(t *testing.T) {
	_, err := Dial(t.Context(), "", usdc.Hex(), owner.Hex(), 6)
	assert.ErrorIs(t, err, exception.ErrWalletRPCMissing)

	_, err = Dial(t.Context(), "http://127.0.0.1:1", usdc.Hex(), "", 6)
	assert.ErrorIs(t, err, exception.ErrWalletAddressMissing)

	_, err = Dial(t.Context(), "http://127.0.0.1:1", "nope", owner.Hex(), 6)
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)
}
