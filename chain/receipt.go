package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"certmint/certerr"
)

// Receipt is the part of a transaction receipt the mint pipeline reads.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Status      uint64
	Logs        []types.Log
}

type rpcLog struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
	Index   hexutil.Uint   `json:"logIndex"`
}

type rpcReceipt struct {
	TxHash      common.Hash    `json:"transactionHash"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	Status      hexutil.Uint64 `json:"status"`
	Logs        []rpcLog       `json:"logs"`
}

func (r *rpcReceipt) toReceipt() *Receipt {
	out := &Receipt{
		TxHash:      r.TxHash,
		BlockNumber: uint64(r.BlockNumber),
		Status:      uint64(r.Status),
		Logs:        make([]types.Log, 0, len(r.Logs)),
	}
	for _, l := range r.Logs {
		out.Logs = append(out.Logs, types.Log{
			Address:     l.Address,
			Topics:      l.Topics,
			Data:        l.Data,
			BlockNumber: out.BlockNumber,
			TxHash:      r.TxHash,
			Index:       uint(l.Index),
		})
	}
	return out
}

// ExtractTokenID finds the identifier assigned by a mint. It first looks for
// a Transfer from the zero address with four topics and reads topic[3]; it
// then falls back to the tokenId argument of CertificateMinted. When neither
// is present it returns an IdentifierExtractionFailed error.
func ExtractTokenID(logs []types.Log) (*big.Int, error) {
	zero := common.Hash{}
	for _, l := range logs {
		if len(l.Topics) == 4 && l.Topics[0] == TransferTopic && l.Topics[1] == zero {
			return new(big.Int).SetBytes(l.Topics[3].Bytes()), nil
		}
	}

	ev := certificateABI.Events[EventMinted]
	for _, l := range logs {
		if len(l.Topics) == 0 || l.Topics[0] != ev.ID {
			continue
		}
		if id, ok := mintedTokenID(ev, l); ok {
			return id, nil
		}
	}
	return nil, certerr.Newf(certerr.IdentifierExtractionFailed, "no mint event in %d receipt logs", len(logs))
}

func mintedTokenID(ev abi.Event, l types.Log) (*big.Int, bool) {
	fields := make(map[string]interface{})
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(l.Topics)-1 != len(indexed) {
		return nil, false
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, l.Topics[1:]); err != nil {
		return nil, false
	}
	if len(l.Data) > 0 {
		if err := ev.Inputs.UnpackIntoMap(fields, l.Data); err != nil {
			return nil, false
		}
	}
	id, ok := fields["tokenId"].(*big.Int)
	return id, ok && id != nil
}
