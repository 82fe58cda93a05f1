package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certmint/certerr"
	"certmint/models"
)

var (
	testAccount  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testAudited  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testContract = "0x2222222222222222222222222222222222222222"
	testNetwork  = models.Network{
		Key:             "sepolia",
		Name:            "Sepolia",
		ChainID:         11155111,
		RPCURLs:         []string{"https://rpc.sepolia.org"},
		CurrencySymbol:  "ETH",
		CurrencyDecimal: 18,
		ContractAddress: testContract,
	}
)

func testSession(p Provider) Session {
	return Session{Account: testAccount, Network: testNetwork, Provider: p}
}

func testGateway() *Gateway {
	return NewGateway(Options{PollInterval: 5 * time.Millisecond})
}

func revertData(t *testing.T, reason string) string {
	t.Helper()
	strT, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: strT}}.Pack(reason)
	require.NoError(t, err)
	return hexutil.Encode(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

func TestExtractTokenID_TransferFromZero(t *testing.T) {
	logs := []types.Log{
		{Topics: []common.Hash{TransferTopic, common.BytesToHash(testAccount.Bytes()), common.BytesToHash(testAccount.Bytes()), common.BigToHash(big.NewInt(99))}},
		{Topics: []common.Hash{TransferTopic, {}, common.BytesToHash(testAccount.Bytes()), common.BigToHash(big.NewInt(42))}},
	}
	id, err := ExtractTokenID(logs)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id.Int64())
}

func TestExtractTokenID_IgnoresShortTransfer(t *testing.T) {
	// ERC-20 style Transfer: three topics, amount in data
	logs := []types.Log{
		{Topics: []common.Hash{TransferTopic, {}, common.BytesToHash(testAccount.Bytes())}, Data: common.BigToHash(big.NewInt(5)).Bytes()},
	}
	_, err := ExtractTokenID(logs)
	assert.True(t, certerr.Is(err, certerr.IdentifierExtractionFailed))
}

func TestExtractTokenID_CertificateMintedFallback(t *testing.T) {
	ev := ContractABI().Events[EventMinted]
	data, err := ev.Inputs.NonIndexed().Pack(uint8(1), uint8(0), uint8(90), "QmHash")
	require.NoError(t, err)

	logs := []types.Log{
		{Topics: []common.Hash{common.HexToHash("0xdeadbeef")}},
		{
			Topics: []common.Hash{
				MintedTopic,
				common.BigToHash(big.NewInt(17)),
				common.BytesToHash(testAudited.Bytes()),
				common.BytesToHash(testAccount.Bytes()),
			},
			Data: data,
		},
	}
	id, err := ExtractTokenID(logs)
	require.NoError(t, err)
	assert.Equal(t, int64(17), id.Int64())
}

func TestExtractTokenID_Unset(t *testing.T) {
	_, err := ExtractTokenID(nil)
	require.Error(t, err)
	assert.Equal(t, certerr.IdentifierExtractionFailed, certerr.KindOf(err))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		kind   certerr.Kind
		reason string
	}{
		{"user rejected", &rpcErr{code: 4001, msg: "User rejected the request."}, certerr.UserRejected, ""},
		{"pending", &rpcErr{code: -32002, msg: "Request already pending"}, certerr.RequestPending, ""},
		{"funds", &rpcErr{code: -32000, msg: "insufficient funds for gas * price + value"}, certerr.InsufficientFunds, ""},
		{"revert data", &rpcErr{code: 3, msg: "execution reverted", data: revertData(t, "Contract already certified")}, certerr.AlreadyCertified, "Contract already certified"},
		{"revert message", &rpcErr{code: -32603, msg: "execution reverted: Invalid score"}, certerr.Reverted, "Invalid score"},
		{"transient", errors.New("connection reset by peer"), certerr.RpcTransientError, ""},
		{"deadline", context.DeadlineExceeded, certerr.RpcTransientError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err, certerr.RpcTransientError)
			assert.Equal(t, tc.kind, certerr.KindOf(got))
			assert.Equal(t, tc.reason, certerr.ReasonOf(got))
		})
	}
}

func TestNoProvider(t *testing.T) {
	g := testGateway()
	_, err := g.RequestAccount(context.Background(), Session{Network: testNetwork})
	assert.Equal(t, certerr.NoProvider, certerr.KindOf(err))
}

func TestDiscoverAndRequestAccount(t *testing.T) {
	p := newFakeProvider().
		on("eth_accounts", func([]interface{}) (interface{}, error) { return []string{}, nil }).
		on("eth_requestAccounts", func([]interface{}) (interface{}, error) {
			return []string{testAccount.Hex()}, nil
		})
	g := testGateway()
	sess := Session{Network: testNetwork, Provider: p}

	_, ok, err := g.DiscoverAccount(context.Background(), sess)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, p.called("eth_requestAccounts"), "discovery must never prompt")

	addr, err := g.RequestAccount(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, testAccount, addr)
}

func TestRequestAccount_Rejected(t *testing.T) {
	p := newFakeProvider().on("eth_requestAccounts", func([]interface{}) (interface{}, error) {
		return nil, &rpcErr{code: 4001, msg: "User rejected the request."}
	})
	_, err := testGateway().RequestAccount(context.Background(), Session{Network: testNetwork, Provider: p})
	assert.Equal(t, certerr.UserRejected, certerr.KindOf(err))
}

func chainIDHandler(id uint64) handlerFunc {
	return func([]interface{}) (interface{}, error) { return hexutil.Uint64(id), nil }
}

func TestEnsureNetwork(t *testing.T) {
	t.Run("already on target", func(t *testing.T) {
		p := newFakeProvider().on("eth_chainId", chainIDHandler(testNetwork.ChainID))
		res, err := testGateway().EnsureNetwork(context.Background(), testSession(p), testNetwork)
		require.NoError(t, err)
		assert.Equal(t, NetworkOK, res)
		assert.Equal(t, 0, p.called("wallet_switchEthereumChain"))
	})

	t.Run("switch", func(t *testing.T) {
		p := newFakeProvider().
			on("eth_chainId", chainIDHandler(1)).
			on("wallet_switchEthereumChain", func(args []interface{}) (interface{}, error) {
				assert.Equal(t, switchParams{ChainID: "0xaa36a7"}, args[0])
				return nil, nil
			})
		res, err := testGateway().EnsureNetwork(context.Background(), testSession(p), testNetwork)
		require.NoError(t, err)
		assert.Equal(t, NetworkSwitched, res)
	})

	t.Run("register then switch", func(t *testing.T) {
		switched := 0
		p := newFakeProvider().
			on("eth_chainId", chainIDHandler(1)).
			on("wallet_switchEthereumChain", func([]interface{}) (interface{}, error) {
				switched++
				if switched == 1 {
					return nil, &rpcErr{code: 4902, msg: "Unrecognized chain ID"}
				}
				return nil, nil
			}).
			on("wallet_addEthereumChain", func(args []interface{}) (interface{}, error) {
				add := args[0].(addChainParams)
				assert.Equal(t, "Sepolia", add.ChainName)
				assert.Equal(t, "ETH", add.NativeCurrency.Symbol)
				return nil, nil
			})
		res, err := testGateway().EnsureNetwork(context.Background(), testSession(p), testNetwork)
		require.NoError(t, err)
		assert.Equal(t, NetworkSwitched, res)
		assert.Equal(t, 1, p.called("wallet_addEthereumChain"))
		assert.Equal(t, 2, switched)
	})

	t.Run("register fails", func(t *testing.T) {
		p := newFakeProvider().
			on("eth_chainId", chainIDHandler(1)).
			on("wallet_switchEthereumChain", func([]interface{}) (interface{}, error) {
				return nil, &rpcErr{code: 4902, msg: "Unrecognized chain ID"}
			}).
			on("wallet_addEthereumChain", func([]interface{}) (interface{}, error) {
				return nil, &rpcErr{code: -32603, msg: "invalid rpc url"}
			})
		_, err := testGateway().EnsureNetwork(context.Background(), testSession(p), testNetwork)
		assert.Equal(t, certerr.NetworkUnsupported, certerr.KindOf(err))
	})

	t.Run("user declines switch", func(t *testing.T) {
		p := newFakeProvider().
			on("eth_chainId", chainIDHandler(1)).
			on("wallet_switchEthereumChain", func([]interface{}) (interface{}, error) {
				return nil, &rpcErr{code: 4001, msg: "User rejected the request."}
			})
		_, err := testGateway().EnsureNetwork(context.Background(), testSession(p), testNetwork)
		assert.Equal(t, certerr.NetworkRejected, certerr.KindOf(err))
	})
}

func TestSubmitMint(t *testing.T) {
	hash := common.HexToHash("0xabc123")
	call := MintCall{
		ContractAddress: testAudited,
		ContractName:    "Token",
		StorageHash:     "QmHash",
		SecurityScore:   88,
		RiskLevel:       models.RiskLow,
	}

	t.Run("estimate plus buffer", func(t *testing.T) {
		var sent txParams
		p := newFakeProvider().
			on("eth_estimateGas", func([]interface{}) (interface{}, error) { return hexutil.Uint64(100000), nil }).
			on("eth_sendTransaction", func(args []interface{}) (interface{}, error) {
				sent = args[0].(txParams)
				return hash, nil
			})
		got, err := testGateway().SubmitMint(context.Background(), testSession(p), call)
		require.NoError(t, err)
		assert.Equal(t, hash, got)
		require.NotNil(t, sent.Gas)
		assert.Equal(t, uint64(120000), uint64(*sent.Gas))
		assert.Nil(t, sent.Value)
		assert.True(t, bytes.HasPrefix(sent.Data, ContractABI().Methods[MethodMintFree].ID))
		assert.Equal(t, common.HexToAddress(testContract), sent.To)
	})

	t.Run("estimate failure uses ceiling", func(t *testing.T) {
		var sent txParams
		p := newFakeProvider().
			on("eth_estimateGas", func([]interface{}) (interface{}, error) {
				return nil, &rpcErr{code: -32000, msg: "gas required exceeds allowance"}
			}).
			on("eth_sendTransaction", func(args []interface{}) (interface{}, error) {
				sent = args[0].(txParams)
				return hash, nil
			})
		_, err := testGateway().SubmitMint(context.Background(), testSession(p), call)
		require.NoError(t, err)
		assert.Equal(t, uint64(500000), uint64(*sent.Gas))
	})

	t.Run("paid variant carries value", func(t *testing.T) {
		var sent txParams
		p := newFakeProvider().
			on("eth_estimateGas", func([]interface{}) (interface{}, error) { return hexutil.Uint64(100), nil }).
			on("eth_sendTransaction", func(args []interface{}) (interface{}, error) {
				sent = args[0].(txParams)
				return hash, nil
			})
		paid := call
		paid.Paid = true
		paid.Value = big.NewInt(1e15)
		_, err := testGateway().SubmitMint(context.Background(), testSession(p), paid)
		require.NoError(t, err)
		require.NotNil(t, sent.Value)
		assert.Equal(t, int64(1e15), sent.Value.ToInt().Int64())
		assert.True(t, bytes.HasPrefix(sent.Data, ContractABI().Methods[MethodMintPaid].ID))
	})

	t.Run("rejected in wallet", func(t *testing.T) {
		p := newFakeProvider().
			on("eth_estimateGas", func([]interface{}) (interface{}, error) { return hexutil.Uint64(100), nil }).
			on("eth_sendTransaction", func([]interface{}) (interface{}, error) {
				return nil, &rpcErr{code: 4001, msg: "User denied transaction signature."}
			})
		_, err := testGateway().SubmitMint(context.Background(), testSession(p), call)
		assert.Equal(t, certerr.UserRejected, certerr.KindOf(err))
	})

	t.Run("no contract configured", func(t *testing.T) {
		sess := testSession(newFakeProvider())
		sess.Network.ContractAddress = ""
		_, err := testGateway().SubmitMint(context.Background(), sess, call)
		assert.Equal(t, certerr.InvalidInput, certerr.KindOf(err))
	})
}

func receiptJSON(status uint64, logs ...rpcLog) *rpcReceipt {
	return &rpcReceipt{
		TxHash:      common.HexToHash("0xabc123"),
		BlockNumber: 120,
		Status:      hexutil.Uint64(status),
		Logs:        logs,
	}
}

func TestAwaitReceipt(t *testing.T) {
	t.Run("pending then mined", func(t *testing.T) {
		polls := 0
		p := newFakeProvider().on("eth_getTransactionReceipt", func([]interface{}) (interface{}, error) {
			polls++
			if polls < 3 {
				return nil, nil
			}
			return receiptJSON(1, rpcLog{
				Address: common.HexToAddress(testContract),
				Topics:  []common.Hash{TransferTopic, {}, common.BytesToHash(testAccount.Bytes()), common.BigToHash(big.NewInt(8))},
				Data:    []byte{},
			}), nil
		})
		rec, err := testGateway().AwaitReceipt(context.Background(), testSession(p), common.HexToHash("0xabc123"))
		require.NoError(t, err)
		assert.Equal(t, uint64(120), rec.BlockNumber)
		id, err := ExtractTokenID(rec.Logs)
		require.NoError(t, err)
		assert.Equal(t, int64(8), id.Int64())
	})

	t.Run("reverted", func(t *testing.T) {
		p := newFakeProvider().on("eth_getTransactionReceipt", func([]interface{}) (interface{}, error) {
			return receiptJSON(0), nil
		})
		_, err := testGateway().AwaitReceipt(context.Background(), testSession(p), common.HexToHash("0xabc123"))
		assert.Equal(t, certerr.Reverted, certerr.KindOf(err))
	})

	t.Run("reverted reason recovered by replay", func(t *testing.T) {
		to := common.HexToAddress(testContract)
		var replayedAt interface{}
		p := newFakeProvider().
			on("eth_getTransactionReceipt", func([]interface{}) (interface{}, error) {
				return receiptJSON(0), nil
			}).
			on("eth_getTransactionByHash", func([]interface{}) (interface{}, error) {
				return &rpcTransaction{From: testAccount, To: &to, Input: hexutil.Bytes{0x01, 0x02}, Gas: 90000}, nil
			}).
			on("eth_call", func(args []interface{}) (interface{}, error) {
				replayedAt = args[1]
				return nil, &rpcErr{code: 3, msg: "execution reverted", data: revertData(t, "Contract already certified")}
			})
		_, err := testGateway().AwaitReceipt(context.Background(), testSession(p), common.HexToHash("0xabc123"))
		assert.Equal(t, certerr.AlreadyCertified, certerr.KindOf(err))
		assert.Equal(t, "Contract already certified", certerr.ReasonOf(err))
		assert.Equal(t, hexutil.Uint64(119), replayedAt)
	})

	t.Run("replay that succeeds keeps plain revert", func(t *testing.T) {
		to := common.HexToAddress(testContract)
		p := newFakeProvider().
			on("eth_getTransactionReceipt", func([]interface{}) (interface{}, error) {
				return receiptJSON(0), nil
			}).
			on("eth_getTransactionByHash", func([]interface{}) (interface{}, error) {
				return &rpcTransaction{From: testAccount, To: &to}, nil
			}).
			on("eth_call", func([]interface{}) (interface{}, error) {
				return hexutil.Bytes{}, nil
			})
		_, err := testGateway().AwaitReceipt(context.Background(), testSession(p), common.HexToHash("0xabc123"))
		assert.Equal(t, certerr.Reverted, certerr.KindOf(err))
	})

	t.Run("gives up waiting", func(t *testing.T) {
		p := newFakeProvider().on("eth_getTransactionReceipt", func([]interface{}) (interface{}, error) {
			return nil, nil
		})
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := testGateway().AwaitReceipt(ctx, testSession(p), common.HexToHash("0xabc123"))
		assert.Equal(t, certerr.ConfirmationTimeout, certerr.KindOf(err))
	})
}

// callHandler answers eth_call by dispatching on the method selector.
func callHandler(t *testing.T, outputs map[string][]interface{}) handlerFunc {
	return func(args []interface{}) (interface{}, error) {
		msg := args[0].(map[string]interface{})
		data := msg["data"].(hexutil.Bytes)
		for name, out := range outputs {
			m := ContractABI().Methods[name]
			if bytes.HasPrefix(data, m.ID) {
				packed, err := m.Outputs.Pack(out...)
				require.NoError(t, err)
				return hexutil.Bytes(packed), nil
			}
		}
		return nil, &rpcErr{code: 3, msg: "execution reverted"}
	}
}

func TestReadCalls(t *testing.T) {
	record := OnChainCertificate{
		ContractAddress: testAudited,
		ContractName:    "Token",
		Auditor:         testAccount,
		AuditType:       1,
		RiskLevel:       2,
		SecurityScore:   55,
		IpfsHash:        "QmHash",
		Timestamp:       big.NewInt(1_700_000_000),
		PaidAmount:      big.NewInt(1e15),
	}
	p := newFakeProvider().on("eth_call", callHandler(t, map[string][]interface{}{
		MethodTokensOf:  {[]*big.Int{big.NewInt(3), big.NewInt(5)}},
		MethodGetCert:   {record},
		MethodGetStats:  {big.NewInt(7), big.NewInt(4), big.NewInt(3)},
		MethodMintPrice: {big.NewInt(1e15)},
	}))
	g := testGateway()
	sess := testSession(p)
	ctx := context.Background()

	ids, err := g.TokensOf(ctx, sess, testAccount)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, int64(5), ids[1].Int64())

	cert, err := g.Certificate(ctx, sess, big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, testAudited.Hex(), cert.ContractAddress)
	assert.Equal(t, models.AuditAIPowered, cert.AuditType)
	assert.Equal(t, models.RiskHigh, cert.RiskLevel)
	assert.Equal(t, uint8(55), cert.SecurityScore)
	assert.Equal(t, int64(1_700_000_000_000), cert.TimestampMillis)
	assert.True(t, cert.OnChain)
	assert.True(t, cert.Confirmed())
	assert.Equal(t, "sepolia", cert.Network)

	stats, err := g.Stats(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{TotalAudits: 7, StaticAudits: 4, AIAudits: 3, Source: "chain"}, *stats)

	price, err := g.MintPrice(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, int64(1e15), price.Int64())
}
