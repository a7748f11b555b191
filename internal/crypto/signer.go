package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

// TxSigner signs transactions for one chain with the operator key.
type TxSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
}

// NewTxSigner binds key to chainID.
func NewTxSigner(key *ecdsa.PrivateKey, chainID int64) (*TxSigner, error) {
	if key == nil {
		return nil, fmt.Errorf("crypto: nil private key: %w", domain.ErrSigningFailed)
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("crypto: chain id must be positive, got %d", chainID)
	}
	id := big.NewInt(chainID)
	return &TxSigner{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: id,
		signer:  types.LatestSignerForChainID(id),
	}, nil
}

// Address returns the sender address derived from the key.
func (s *TxSigner) Address() common.Address { return s.address }

// ChainID returns the chain the signer is bound to.
func (s *TxSigner) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

// SignTx signs tx with replay protection for the bound chain.
func (s *TxSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign tx: %w: %v", domain.ErrSigningFailed, err)
	}
	return signed, nil
}
