package domain

import (
	"context"
	"math/big"
)

// RoundReader performs the read-only contract calls used to classify markets.
type RoundReader interface {
	MarketInfo(ctx context.Context, symbol string) (MarketInfo, error)
	RoundInfo(ctx context.Context, ref RoundRef) (RoundInfo, error)
}

// RoundWriter performs the lifecycle writes. Every method blocks until the
// transaction is mined and returns ErrTxReverted if it failed on chain.
type RoundWriter interface {
	Settle(ctx context.Context, ref RoundRef) (TxReceipt, error)
	ClearSettledRound(ctx context.Context, symbol string) (TxReceipt, error)
	CreateBatchRounds(ctx context.Context, symbols []string) (TxReceipt, error)
}

// RoundContracts is the full contract boundary the settler drives.
type RoundContracts interface {
	RoundReader
	RoundWriter
}

// MarketLister enumerates every market registered on chain.
type MarketLister interface {
	AllMarkets(ctx context.Context) ([]string, error)
}

// PriceOracle is the multi-asset oracle contract.
type PriceOracle interface {
	SetPrices(ctx context.Context, symbols []string, prices []*big.Int) (TxReceipt, error)
	ReadPrice(ctx context.Context, symbol string) (*big.Int, error)
}
