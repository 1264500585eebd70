package chain

import (
	"context"
	"math/big"
	"strings"

	"keeper/internal/errors"
	"keeper/pkg/exception"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

var balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// Token reads the keeper's balance of one ERC20 collateral token. It implements
// adapter.WalletReader.
type Token struct {
	caller   ethereum.ContractCaller
	close    func()
	token    common.Address
	owner    common.Address
	decimals int32
}

// Dial connects to rpcURL and returns a reader of owner's balance of token.
func Dial(ctx context.Context, rpcURL, token, owner string, decimals int32) (*Token, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, exception.ErrWalletRPCMissing
	}
	tokenAddr, ownerAddr, err := parseAddresses(token, owner)
	if err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "dial wallet rpc")
	}
	t := NewToken(client, tokenAddr, ownerAddr, decimals)
	t.close = client.Close
	return t, nil
}

// NewToken returns a reader using caller for contract calls.
func NewToken(caller ethereum.ContractCaller, token, owner common.Address, decimals int32) *Token {
	return &Token{
		caller:   caller,
		token:    token,
		owner:    owner,
		decimals: decimals,
	}
}

// CollateralBalance returns the token balance of the owner in whole units.
func (t *Token) CollateralBalance(ctx context.Context) (decimal.Decimal, error) {
	raw, err := t.balanceOf(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(raw, -t.decimals), nil
}

// Owner returns the address whose balance is read.
func (t *Token) Owner() common.Address {
	return t.owner
}

func (t *Token) Close() {
	if t.close != nil {
		t.close()
	}
}

func (t *Token) balanceOf(ctx context.Context) (*big.Int, error) {
	out, err := t.caller.CallContract(ctx, ethereum.CallMsg{To: &t.token, Data: balanceOfData(t.owner)}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "balanceOf(%s)", t.owner.Hex())
	}
	if len(out) == 0 {
		return nil, errors.Wrapf(exception.ErrEmptyBalanceReply, "balanceOf(%s)", t.owner.Hex())
	}
	return new(big.Int).SetBytes(out), nil
}

func balanceOfData(owner common.Address) []byte {
	data := make([]byte, 0, 4+32)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
	return data
}

func parseAddresses(token, owner string) (common.Address, common.Address, error) {
	token, owner = strings.TrimSpace(token), strings.TrimSpace(owner)
	if !common.IsHexAddress(token) {
		return common.Address{}, common.Address{}, errors.Wrapf(exception.ErrInvalidArgument, "token address %q", token)
	}
	if owner == "" {
		return common.Address{}, common.Address{}, exception.ErrWalletAddressMissing
	}
	if !common.IsHexAddress(owner) {
		return common.Address{}, common.Address{}, errors.Wrapf(exception.ErrInvalidArgument, "owner address %q", owner)
	}
	return common.HexToAddress(token), common.HexToAddress(owner), nil
}
