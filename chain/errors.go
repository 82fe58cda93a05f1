package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"certmint/certerr"
)

// EIP-1193 / JSON-RPC error codes returned by wallet providers.
const (
	codeUserRejected   = 4001
	codeUnrecognized   = 4902
	codeRequestPending = -32002
	codeExecReverted   = 3
)

type rpcError interface {
	Error() string
	ErrorCode() int
}

type dataError interface {
	Error() string
	ErrorData() interface{}
}

func errorCode(err error) (int, bool) {
	var re rpcError
	if errors.As(err, &re) {
		return re.ErrorCode(), true
	}
	return 0, false
}

func isUserRejection(err error) bool {
	if code, ok := errorCode(err); ok && code == codeUserRejected {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied")
}

func isUnrecognizedChain(err error) bool {
	if code, ok := errorCode(err); ok && code == codeUnrecognized {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unrecognized chain") || strings.Contains(msg, "unknown chain")
}

// classify maps a provider error onto the taxonomy. fallback is used for
// anything not recognised.
func classify(err error, fallback certerr.Kind) error {
	if err == nil {
		return nil
	}
	var ce *certerr.Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return certerr.New(certerr.RpcTransientError, err)
	}
	if isUserRejection(err) {
		return certerr.New(certerr.UserRejected, err)
	}
	if code, ok := errorCode(err); ok && code == codeRequestPending {
		return certerr.New(certerr.RequestPending, err)
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "insufficient funds") {
		return certerr.New(certerr.InsufficientFunds, err)
	}
	code, _ := errorCode(err)
	if code == codeExecReverted || strings.Contains(msg, "revert") {
		return certerr.Revert(revertReason(err), err)
	}
	return certerr.New(fallback, err)
}

// revertReason decodes Error(string) revert data when the provider attached
// it, else falls back to the text after "execution reverted:".
func revertReason(err error) string {
	var de dataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(s); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason
				}
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(strings.ToLower(msg), "execution reverted:"); i >= 0 {
		return strings.TrimSpace(msg[i+len("execution reverted:"):])
	}
	return ""
}
