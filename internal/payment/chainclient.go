package payment

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// transferEventSig is the keccak256 topic0 of the standard ERC-20
// Transfer(address,address,uint256) event.
const transferEventSig = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// ChainClient is the subset of go-ethereum's ethclient.Client this package
// needs, narrowed to an interface so tests can substitute a fake RPC
// backend instead of dialing a real node.
type ChainClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ErrRPCUnreachable wraps any transport-level failure talking to the
// chain node (reason code rpc_unreachable).
var ErrRPCUnreachable = errors.New("payment: chain rpc unreachable")

// ErrTxReverted is returned when the receipt's status marks the
// transaction as failed (reason code tx_reverted).
var ErrTxReverted = errors.New("payment: transaction reverted")

// ErrTxPending is returned when the receipt does not yet have the
// required number of confirmations (reason code pending).
var ErrTxPending = errors.New("payment: transaction pending confirmation")

// ErrTransferNotFound is returned when no Transfer log in the receipt
// matches the expected recipient and amount (reason code
// transfer_not_found).
var ErrTransferNotFound = errors.New("payment: matching transfer log not found")

// fetchReceipt resolves the receipt for txHash, translating any RPC
// failure into ErrRPCUnreachable.
func fetchReceipt(ctx context.Context, chain ChainClient, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := chain.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, errors.Join(ErrRPCUnreachable, err)
	}
	return receipt, nil
}

// checkConfirmations fails with ErrTxPending if the chain head hasn't
// advanced minConfirmations blocks past the receipt's block.
func checkConfirmations(ctx context.Context, chain ChainClient, receipt *types.Receipt, minConfirmations uint64) error {
	head, err := chain.BlockNumber(ctx)
	if err != nil {
		return errors.Join(ErrRPCUnreachable, err)
	}
	if receipt.BlockNumber == nil {
		return ErrTxPending
	}
	confirmations := head - receipt.BlockNumber.Uint64()
	if head < receipt.BlockNumber.Uint64() || confirmations < minConfirmations {
		return ErrTxPending
	}
	return nil
}

// findTransfer scans a receipt's logs for an ERC-20 Transfer event whose
// recipient and amount match expectations. Topics[1] is the indexed
// `from` address, Topics[2] the indexed `to` address; the amount is the
// unindexed uint256 in Data.
func findTransfer(receipt *types.Receipt, tokenContract, recipient common.Address, amount *big.Int) (*types.Log, error) {
	for _, log := range receipt.Logs {
		if log.Address != tokenContract {
			continue
		}
		if len(log.Topics) != 3 || log.Topics[0].Hex() != transferEventSig {
			continue
		}
		to := common.BytesToAddress(log.Topics[2].Bytes())
		if to != recipient {
			continue
		}
		transferred := new(big.Int).SetBytes(log.Data)
		if transferred.Cmp(amount) != 0 {
			continue
		}
		l := log
		return l, nil
	}
	return nil, ErrTransferNotFound
}

// transferSender reads the indexed `from` address (Topics[1]) out of a
// Transfer log, canonicalized via common.Address's checksummed form.
func transferSender(log *types.Log) string {
	return common.BytesToAddress(log.Topics[1].Bytes()).Hex()
}

// receiptStatusOK reports whether a legacy or typed receipt's status
// field marks the transaction as successful. types.ReceiptStatusSuccessful
// is 1; any other value (including the pre-Byzantium "unknown" status) is
// treated as a revert for our purposes.
func receiptStatusOK(receipt *types.Receipt) bool {
	return receipt.Status == types.ReceiptStatusSuccessful
}
