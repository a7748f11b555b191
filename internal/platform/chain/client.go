// Package chain talks to the deployed round contracts over JSON-RPC: ABI
// encoded reads plus signed, receipt-confirmed writes.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

// Backend is the subset of *ethclient.Client the contracts need.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Signer signs outgoing transactions. *crypto.TxSigner implements it.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

// ErrReadOnly is returned by writes when no signer is configured.
var ErrReadOnly = errors.New("chain: no signer configured")

// Options tunes transaction submission.
type Options struct {
	ReceiptTimeout   time.Duration
	ReceiptPoll      time.Duration
	GasLimitFallback uint64
	GasBufferPct     int
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		ReceiptTimeout:   2 * time.Minute,
		ReceiptPoll:      3 * time.Second,
		GasLimitFallback: 3_000_000,
		GasBufferPct:     20,
	}
}

// Client submits calls and transactions through a Backend.
type Client struct {
	backend Backend
	signer  Signer
	opts    Options
	logger  *slog.Logger

	// txMu serialises nonce allocation through receipt so concurrent
	// writers sharing one key never reuse a nonce.
	txMu sync.Mutex
}

// Dial connects to the RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial rpc %s: %w", rpcURL, err)
	}
	return ec, nil
}

// NewClient wraps backend. signer may be nil for a read-only client.
func NewClient(backend Backend, signer Signer, opts Options, logger *slog.Logger) *Client {
	def := DefaultOptions()
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = def.ReceiptTimeout
	}
	if opts.ReceiptPoll <= 0 {
		opts.ReceiptPoll = def.ReceiptPoll
	}
	if opts.GasLimitFallback == 0 {
		opts.GasLimitFallback = def.GasLimitFallback
	}
	return &Client{
		backend: backend,
		signer:  signer,
		opts:    opts,
		logger:  logger.With(slog.String("component", "chain")),
	}
}

// Sender returns the signing address, or the zero address when read-only.
func (c *Client) Sender() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// call performs an eth_call against the latest block.
func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &to, Data: data}
	if c.signer != nil {
		msg.From = c.signer.Address()
	}
	return c.backend.CallContract(ctx, msg, nil)
}

// transact signs and sends data to `to`, then blocks until the receipt is
// available. label is used in logs and errors.
func (c *Client) transact(ctx context.Context, label string, to common.Address, data []byte) (domain.TxReceipt, error) {
	if c.signer == nil {
		return domain.TxReceipt{}, ErrReadOnly
	}

	c.txMu.Lock()
	defer c.txMu.Unlock()

	from := c.signer.Address()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain: %s: nonce: %w", label, err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain: %s: gas price: %w", label, err)
	}

	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &to,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "gas estimate failed, using fallback",
			slog.String("op", label),
			slog.Uint64("limit", c.opts.GasLimitFallback),
			slog.String("error", err.Error()),
		)
		gasLimit = c.opts.GasLimitFallback
	} else {
		gasLimit += gasLimit * uint64(c.opts.GasBufferPct) / 100
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := c.signer.SignTx(tx)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain: %s: %w", label, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return domain.TxReceipt{}, fmt.Errorf("chain: %s: send: %w", label, err)
	}

	hash := signed.Hash()
	c.logger.InfoContext(ctx, "transaction sent",
		slog.String("op", label),
		slog.String("tx", hash.Hex()),
		slog.Uint64("nonce", nonce),
	)

	waitCtx, cancel := context.WithTimeout(ctx, c.opts.ReceiptTimeout)
	defer cancel()
	receipt, err := c.waitForReceipt(waitCtx, hash)
	if err != nil {
		return domain.TxReceipt{TxHash: hash.Hex()}, fmt.Errorf("chain: %s: wait receipt %s: %w", label, hash.Hex(), err)
	}

	out := domain.TxReceipt{
		TxHash:  hash.Hex(),
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return out, fmt.Errorf("chain: %s: %s: %w", label, hash.Hex(), domain.ErrTxReverted)
	}

	c.logger.InfoContext(ctx, "transaction confirmed",
		slog.String("op", label),
		slog.String("tx", out.TxHash),
		slog.Uint64("block", out.BlockNumber),
		slog.Uint64("gas_used", out.GasUsed),
	)
	return out, nil
}

// waitForReceipt polls for a transaction receipt until mined or ctx ends.
func (c *Client) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.opts.ReceiptPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := c.backend.TransactionReceipt(ctx, hash)
			if err == nil {
				return receipt, nil
			}
			if !errors.Is(err, ethereum.NotFound) {
				c.logger.DebugContext(ctx, "receipt poll failed",
					slog.String("tx", hash.Hex()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
