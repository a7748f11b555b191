package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

// Addresses locates the deployed contracts.
type Addresses struct {
	MarketManager common.Address
	BatchCreator  common.Address
	Oracle        common.Address
}

// Contracts binds the market manager, its rounds, the batch creator and the
// oracle to one Client.
type Contracts struct {
	client *Client
	addrs  Addresses
}

var (
	_ domain.RoundContracts = (*Contracts)(nil)
	_ domain.MarketLister   = (*Contracts)(nil)
	_ domain.PriceOracle    = (*Contracts)(nil)
)

// NewContracts returns bindings for addrs over client.
func NewContracts(client *Client, addrs Addresses) *Contracts {
	return &Contracts{client: client, addrs: addrs}
}

// MarketInfo calls getMarketInfo(symbol) on the market manager.
func (c *Contracts) MarketInfo(ctx context.Context, symbol string) (domain.MarketInfo, error) {
	data, err := marketManagerABI.Pack("getMarketInfo", symbol)
	if err != nil {
		return domain.MarketInfo{}, fmt.Errorf("chain: pack getMarketInfo: %w", err)
	}
	raw, err := c.client.call(ctx, c.addrs.MarketManager, data)
	if err != nil {
		return domain.MarketInfo{}, fmt.Errorf("chain: getMarketInfo(%s): %w", symbol, err)
	}
	info, err := decodeMarketInfo(raw)
	if err != nil {
		return domain.MarketInfo{}, fmt.Errorf("chain: getMarketInfo(%s): %w", symbol, err)
	}
	info.Symbol = symbol
	return info, nil
}

// RoundInfo calls getRoundInfo() on the round contract at ref.
func (c *Contracts) RoundInfo(ctx context.Context, ref domain.RoundRef) (domain.RoundInfo, error) {
	addr, err := roundAddress(ref)
	if err != nil {
		return domain.RoundInfo{}, err
	}
	data, err := roundABI.Pack("getRoundInfo")
	if err != nil {
		return domain.RoundInfo{}, fmt.Errorf("chain: pack getRoundInfo: %w", err)
	}
	raw, err := c.client.call(ctx, addr, data)
	if err != nil {
		return domain.RoundInfo{}, fmt.Errorf("chain: getRoundInfo(%s): %w", ref, err)
	}
	info, err := decodeRoundInfo(raw)
	if err != nil {
		return domain.RoundInfo{}, fmt.Errorf("chain: getRoundInfo(%s): %w", ref, err)
	}
	info.Ref = domain.RoundRef(addr.Hex())
	return info, nil
}

// AllMarkets calls getAllMarkets() on the market manager.
func (c *Contracts) AllMarkets(ctx context.Context) ([]string, error) {
	data, err := marketManagerABI.Pack("getAllMarkets")
	if err != nil {
		return nil, fmt.Errorf("chain: pack getAllMarkets: %w", err)
	}
	raw, err := c.client.call(ctx, c.addrs.MarketManager, data)
	if err != nil {
		return nil, fmt.Errorf("chain: getAllMarkets: %w", err)
	}
	out, err := marketManagerABI.Unpack("getAllMarkets", raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack getAllMarkets: %w", err)
	}
	return *abi.ConvertType(out[0], new([]string)).(*[]string), nil
}

// Settle calls settle() on the round at ref and waits for the receipt.
func (c *Contracts) Settle(ctx context.Context, ref domain.RoundRef) (domain.TxReceipt, error) {
	addr, err := roundAddress(ref)
	if err != nil {
		return domain.TxReceipt{}, err
	}
	data, err := roundABI.Pack("settle")
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain: pack settle: %w", err)
	}
	return c.client.transact(ctx, "settle", addr, data)
}

// ClearSettledRound calls clearSettledRound(symbol) on the market manager.
func (c *Contracts) ClearSettledRound(ctx context.Context, symbol string) (domain.TxReceipt, error) {
	data, err := marketManagerABI.Pack("clearSettledRound", symbol)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain: pack clearSettledRound: %w", err)
	}
	return c.client.transact(ctx, "clearSettledRound", c.addrs.MarketManager, data)
}

// CreateBatchRounds calls createBatchRounds(symbols) on the batch creator.
func (c *Contracts) CreateBatchRounds(ctx context.Context, symbols []string) (domain.TxReceipt, error) {
	if len(symbols) == 0 {
		return domain.TxReceipt{}, fmt.Errorf("chain: createBatchRounds: %w", domain.ErrInvalidSymbol)
	}
	data, err := batchCreatorABI.Pack("createBatchRounds", symbols)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain: pack createBatchRounds: %w", err)
	}
	return c.client.transact(ctx, "createBatchRounds", c.addrs.BatchCreator, data)
}

// SetPrices calls setPrices(symbols, prices) on the oracle.
func (c *Contracts) SetPrices(ctx context.Context, symbols []string, prices []*big.Int) (domain.TxReceipt, error) {
	if len(symbols) != len(prices) {
		return domain.TxReceipt{}, fmt.Errorf("chain: setPrices: %d symbols but %d prices", len(symbols), len(prices))
	}
	data, err := oracleABI.Pack("setPrices", symbols, prices)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain: pack setPrices: %w", err)
	}
	return c.client.transact(ctx, "setPrices", c.addrs.Oracle, data)
}

// ReadPrice calls read(symbol) on the oracle.
func (c *Contracts) ReadPrice(ctx context.Context, symbol string) (*big.Int, error) {
	data, err := oracleABI.Pack("read", symbol)
	if err != nil {
		return nil, fmt.Errorf("chain: pack read: %w", err)
	}
	raw, err := c.client.call(ctx, c.addrs.Oracle, data)
	if err != nil {
		return nil, fmt.Errorf("chain: read(%s): %w", symbol, err)
	}
	out, err := oracleABI.Unpack("read", raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack read(%s): %w", symbol, err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func roundAddress(ref domain.RoundRef) (common.Address, error) {
	if ref.IsZero() || !common.IsHexAddress(string(ref)) {
		return common.Address{}, fmt.Errorf("chain: invalid round reference %q", ref)
	}
	return common.HexToAddress(string(ref)), nil
}

func decodeMarketInfo(raw []byte) (domain.MarketInfo, error) {
	out, err := marketManagerABI.Unpack("getMarketInfo", raw)
	if err != nil {
		return domain.MarketInfo{}, fmt.Errorf("unpack: %w", err)
	}
	if len(out) != 5 {
		return domain.MarketInfo{}, fmt.Errorf("unpack: expected 5 values, got %d", len(out))
	}

	feedID := *abi.ConvertType(out[0], new([32]byte)).(*[32]byte)
	current := *abi.ConvertType(out[1], new(common.Address)).(*common.Address)
	count := *abi.ConvertType(out[2], new(*big.Int)).(**big.Int)

	info := domain.MarketInfo{
		FeedID:       hexutil.Encode(feedID[:]),
		CurrentRound: domain.RoundRef(current.Hex()),
		Initialized:  *abi.ConvertType(out[3], new(bool)).(*bool),
		Paused:       *abi.ConvertType(out[4], new(bool)).(*bool),
	}
	if count != nil && count.IsUint64() {
		info.RoundCount = count.Uint64()
	}
	return info, nil
}

func decodeRoundInfo(raw []byte) (domain.RoundInfo, error) {
	out, err := roundABI.Unpack("getRoundInfo", raw)
	if err != nil {
		return domain.RoundInfo{}, fmt.Errorf("unpack: %w", err)
	}
	if len(out) != 10 {
		return domain.RoundInfo{}, fmt.Errorf("unpack: expected 10 values, got %d", len(out))
	}

	num := func(i int) *big.Int { return *abi.ConvertType(out[i], new(*big.Int)).(**big.Int) }
	flag := func(i int) bool { return *abi.ConvertType(out[i], new(bool)).(*bool) }

	return domain.RoundInfo{
		Coin:          *abi.ConvertType(out[0], new(string)).(*string),
		StrikePrice:   num(1),
		FinalPrice:    num(2),
		StartTime:     unixTime(num(3)),
		EntryDeadline: unixTime(num(4)),
		EndTime:       unixTime(num(5)),
		TotalPool:     num(6),
		Settled:       flag(7),
		AboveWins:     flag(8),
		IsDraw:        flag(9),
	}, nil
}

func unixTime(v *big.Int) time.Time {
	if v == nil || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
