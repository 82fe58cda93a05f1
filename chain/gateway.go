// Package chain talks to a wallet bridge over JSON-RPC: account discovery,
// network selection, mint submission, receipts and the certificate
// contract's read calls.
package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"certmint/certerr"
	"certmint/logger"
	"certmint/models"
)

// Provider is a request/response JSON-RPC wallet provider. *rpc.Client
// satisfies it.
type Provider interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Dial connects to a wallet bridge endpoint.
func Dial(ctx context.Context, url string) (*rpc.Client, error) {
	return rpc.DialContext(ctx, url)
}

// Session is the connection context threaded through every gateway call.
// A zero Account means no account is connected yet.
type Session struct {
	Account  common.Address
	Network  models.Network
	Provider Provider
}

// Connected reports whether an account is known.
func (s Session) Connected() bool {
	return s.Account != (common.Address{})
}

// WithAccount returns a copy of the session bound to account.
func (s Session) WithAccount(account common.Address) Session {
	s.Account = account
	return s
}

func (s Session) provider() (Provider, error) {
	if s.Provider == nil {
		return nil, certerr.Newf(certerr.NoProvider, "no wallet provider for network %s", s.Network.Key)
	}
	return s.Provider, nil
}

func (s Session) contract() (common.Address, error) {
	if !common.IsHexAddress(s.Network.ContractAddress) {
		return common.Address{}, certerr.Newf(certerr.InvalidInput,
			"network %s has no certificate contract configured", s.Network.Key)
	}
	return common.HexToAddress(s.Network.ContractAddress), nil
}

// NetworkResult tells whether EnsureNetwork had to switch.
type NetworkResult int

const (
	NetworkOK NetworkResult = iota
	NetworkSwitched
)

// MintCall carries the arguments of the state-mutating mint call.
type MintCall struct {
	ContractAddress common.Address
	ContractName    string
	StorageHash     string
	SecurityScore   uint8
	RiskLevel       models.RiskLevel
	// Paid selects the payable variant; Value is attached to it.
	Paid  bool
	Value *big.Int
}

// Options tunes gas and polling.
type Options struct {
	GasBufferPct int
	FallbackGas  uint64
	PollInterval time.Duration
}

// Gateway implements the wallet/chain operations over a Provider.
type Gateway struct {
	opts Options
}

// NewGateway creates a gateway, filling unset options with defaults.
func NewGateway(opts Options) *Gateway {
	if opts.GasBufferPct <= 0 {
		opts.GasBufferPct = 20
	}
	if opts.FallbackGas == 0 {
		opts.FallbackGas = 500000
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Gateway{opts: opts}
}

func firstAccount(accounts []string) (common.Address, bool) {
	for _, a := range accounts {
		if common.IsHexAddress(a) {
			return common.HexToAddress(a), true
		}
	}
	return common.Address{}, false
}

// DiscoverAccount returns the already-authorised account without prompting.
func (g *Gateway) DiscoverAccount(ctx context.Context, sess Session) (common.Address, bool, error) {
	p, err := sess.provider()
	if err != nil {
		return common.Address{}, false, err
	}
	var accounts []string
	if err := p.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return common.Address{}, false, classify(err, certerr.RpcTransientError)
	}
	addr, ok := firstAccount(accounts)
	return addr, ok, nil
}

// RequestAccount asks the wallet for an account, which may prompt the user.
func (g *Gateway) RequestAccount(ctx context.Context, sess Session) (common.Address, error) {
	p, err := sess.provider()
	if err != nil {
		return common.Address{}, err
	}
	var accounts []string
	if err := p.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return common.Address{}, classify(err, certerr.RpcTransientError)
	}
	addr, ok := firstAccount(accounts)
	if !ok {
		return common.Address{}, certerr.Newf(certerr.UserRejected, "wallet returned no accounts")
	}
	return addr, nil
}

// ChainID reads the wallet's current chain.
func (g *Gateway) ChainID(ctx context.Context, sess Session) (uint64, error) {
	p, err := sess.provider()
	if err != nil {
		return 0, err
	}
	var id hexutil.Uint64
	if err := p.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return 0, classify(err, certerr.RpcTransientError)
	}
	return uint64(id), nil
}

type switchParams struct {
	ChainID string `json:"chainId"`
}

type currencyParams struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type addChainParams struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	RPCURLs           []string       `json:"rpcUrls"`
	NativeCurrency    currencyParams `json:"nativeCurrency"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
}

// EnsureNetwork switches the wallet to target, registering the network first
// when the wallet does not know it.
func (g *Gateway) EnsureNetwork(ctx context.Context, sess Session, target models.Network) (NetworkResult, error) {
	p, err := sess.provider()
	if err != nil {
		return NetworkOK, err
	}
	current, err := g.ChainID(ctx, sess)
	if err != nil {
		return NetworkOK, err
	}
	if current == target.ChainID {
		return NetworkOK, nil
	}

	chainHex := hexutil.EncodeUint64(target.ChainID)
	err = p.CallContext(ctx, nil, "wallet_switchEthereumChain", switchParams{ChainID: chainHex})
	if err == nil {
		logger.Logger.Info("Switched wallet network",
			zap.Uint64("from", current), zap.Uint64("to", target.ChainID))
		return NetworkSwitched, nil
	}
	if isUserRejection(err) {
		return NetworkOK, certerr.New(certerr.NetworkRejected, err)
	}
	if !isUnrecognizedChain(err) {
		return NetworkOK, classify(err, certerr.RpcTransientError)
	}

	add := addChainParams{
		ChainID:   chainHex,
		ChainName: target.Name,
		RPCURLs:   target.RPCURLs,
		NativeCurrency: currencyParams{
			Name:     target.CurrencyName,
			Symbol:   target.CurrencySymbol,
			Decimals: target.CurrencyDecimal,
		},
	}
	if target.ExplorerURL != "" {
		add.BlockExplorerURLs = []string{target.ExplorerURL}
	}
	if err := p.CallContext(ctx, nil, "wallet_addEthereumChain", add); err != nil {
		if isUserRejection(err) {
			return NetworkOK, certerr.New(certerr.NetworkRejected, err)
		}
		return NetworkOK, certerr.New(certerr.NetworkUnsupported, err)
	}
	if err := p.CallContext(ctx, nil, "wallet_switchEthereumChain", switchParams{ChainID: chainHex}); err != nil {
		if isUserRejection(err) {
			return NetworkOK, certerr.New(certerr.NetworkRejected, err)
		}
		return NetworkOK, certerr.New(certerr.NetworkUnsupported, err)
	}
	logger.Logger.Info("Registered and switched wallet network",
		zap.String("network", target.Key), zap.Uint64("chain_id", target.ChainID))
	return NetworkSwitched, nil
}

type txParams struct {
	From  common.Address  `json:"from"`
	To    common.Address  `json:"to"`
	Data  hexutil.Bytes   `json:"data"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
}

// SubmitMint sends the mint transaction and returns its hash. Gas is the
// estimate plus the configured buffer; a failed estimate falls back to the
// fixed ceiling instead of aborting.
func (g *Gateway) SubmitMint(ctx context.Context, sess Session, call MintCall) (common.Hash, error) {
	p, err := sess.provider()
	if err != nil {
		return common.Hash{}, err
	}
	if !sess.Connected() {
		return common.Hash{}, certerr.Newf(certerr.InvalidInput, "no account connected")
	}
	to, err := sess.contract()
	if err != nil {
		return common.Hash{}, err
	}

	method := MethodMintFree
	if call.Paid {
		method = MethodMintPaid
	}
	data, err := certificateABI.Pack(method,
		call.ContractAddress, call.ContractName, call.StorageHash, call.SecurityScore, uint8(call.RiskLevel))
	if err != nil {
		return common.Hash{}, certerr.New(certerr.InvalidInput, eris.Wrapf(err, "pack %s", method))
	}

	tx := txParams{From: sess.Account, To: to, Data: data}
	if call.Paid && call.Value != nil && call.Value.Sign() > 0 {
		tx.Value = (*hexutil.Big)(call.Value)
	}

	gas := g.opts.FallbackGas
	var estimate hexutil.Uint64
	if err := p.CallContext(ctx, &estimate, "eth_estimateGas", tx); err != nil {
		logger.Logger.Warn("Gas estimation failed, using fallback ceiling",
			zap.Uint64("gas", gas), zap.Error(err))
	} else {
		gas = uint64(estimate) * uint64(100+g.opts.GasBufferPct) / 100
	}
	gasHex := hexutil.Uint64(gas)
	tx.Gas = &gasHex

	var hash common.Hash
	if err := p.CallContext(ctx, &hash, "eth_sendTransaction", tx); err != nil {
		return common.Hash{}, classify(err, certerr.RpcTransientError)
	}
	logger.Logger.Info("Submitted mint transaction",
		zap.String("tx", hash.Hex()),
		zap.String("method", method),
		zap.Uint64("gas", gas))
	return hash, nil
}

// AwaitReceipt polls for the receipt until it is mined or ctx ends. Poll
// errors are logged and polling continues; ctx expiry yields
// ConfirmationTimeout, which does not mean the transaction failed.
func (g *Gateway) AwaitReceipt(ctx context.Context, sess Session, hash common.Hash) (*Receipt, error) {
	p, err := sess.provider()
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()

	for {
		var raw *rpcReceipt
		err := p.CallContext(ctx, &raw, "eth_getTransactionReceipt", hash)
		switch {
		case err == nil && raw != nil:
			rec := raw.toReceipt()
			if rec.Status == 0 {
				return rec, replayRevert(ctx, p, hash, rec.BlockNumber)
			}
			return rec, nil
		case err != nil && ctx.Err() == nil:
			logger.Logger.Warn("Receipt poll failed", zap.String("tx", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, certerr.New(certerr.ConfirmationTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

type rpcTransaction struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Input hexutil.Bytes   `json:"input"`
	Value *hexutil.Big    `json:"value"`
	Gas   hexutil.Uint64  `json:"gas"`
}

// replayRevert re-executes a reverted transaction against the state before
// its block so the revert reason can be classified. A replay that cannot run
// or does not revert yields a plain Reverted error.
func replayRevert(ctx context.Context, p Provider, hash common.Hash, block uint64) error {
	reverted := certerr.Revert("transaction reverted on chain", nil)

	var tx *rpcTransaction
	if err := p.CallContext(ctx, &tx, "eth_getTransactionByHash", hash); err != nil || tx == nil || tx.To == nil {
		return reverted
	}
	msg := map[string]interface{}{"from": tx.From, "to": *tx.To, "data": tx.Input}
	if tx.Gas > 0 {
		msg["gas"] = tx.Gas
	}
	if tx.Value != nil && tx.Value.ToInt().Sign() > 0 {
		msg["value"] = tx.Value
	}
	if block > 0 {
		block--
	}

	var out hexutil.Bytes
	err := p.CallContext(ctx, &out, "eth_call", msg, hexutil.Uint64(block))
	if err == nil {
		return reverted
	}
	switch classified := classify(err, certerr.Reverted); certerr.KindOf(classified) {
	case certerr.Reverted, certerr.AlreadyCertified:
		logger.Logger.Info("Replayed reverted transaction",
			zap.String("tx", hash.Hex()), zap.String("reason", certerr.ReasonOf(classified)))
		return classified
	}
	return reverted
}

func (g *Gateway) call(ctx context.Context, sess Session, method string, args ...interface{}) ([]interface{}, error) {
	p, err := sess.provider()
	if err != nil {
		return nil, err
	}
	to, err := sess.contract()
	if err != nil {
		return nil, err
	}
	data, err := certificateABI.Pack(method, args...)
	if err != nil {
		return nil, certerr.New(certerr.InvalidInput, eris.Wrapf(err, "pack %s", method))
	}
	msg := map[string]interface{}{"to": to, "data": hexutil.Bytes(data)}
	var out hexutil.Bytes
	if err := p.CallContext(ctx, &out, "eth_call", msg, "latest"); err != nil {
		return nil, classify(err, certerr.RpcTransientError)
	}
	vals, err := certificateABI.Unpack(method, out)
	if err != nil {
		return nil, certerr.New(certerr.RpcTransientError, eris.Wrapf(err, "unpack %s", method))
	}
	return vals, nil
}

var errShortResult = eris.New("short call result")

// TokensOf lists the identifiers owned by owner.
func (g *Gateway) TokensOf(ctx context.Context, sess Session, owner common.Address) ([]*big.Int, error) {
	vals, err := g.call(ctx, sess, MethodTokensOf, owner)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, certerr.New(certerr.RpcTransientError, errShortResult)
	}
	ids, ok := vals[0].([]*big.Int)
	if !ok {
		return nil, certerr.Newf(certerr.RpcTransientError, "unexpected %s result %T", MethodTokensOf, vals[0])
	}
	return ids, nil
}

// Certificate fetches one on-chain record and normalizes it.
func (g *Gateway) Certificate(ctx context.Context, sess Session, id *big.Int) (*models.Certificate, error) {
	vals, err := g.call(ctx, sess, MethodGetCert, id)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, certerr.New(certerr.RpcTransientError, errShortResult)
	}
	oc, err := convertCertificate(vals[0])
	if err != nil {
		return nil, certerr.New(certerr.RpcTransientError, err)
	}
	return FromOnChain(oc, id, sess.Network.Key), nil
}

func convertCertificate(v interface{}) (oc *OnChainCertificate, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("convert %s result: %v", MethodGetCert, r)
		}
	}()
	return abiConvert(v), nil
}

// FromOnChain normalizes a contract record into a Certificate.
func FromOnChain(oc *OnChainCertificate, id *big.Int, network string) *models.Certificate {
	var ts int64
	if oc.Timestamp != nil {
		ts = oc.Timestamp.Int64()
	}
	paid := new(big.Int)
	if oc.PaidAmount != nil {
		paid.Set(oc.PaidAmount)
	}
	return &models.Certificate{
		ContractAddress: oc.ContractAddress.Hex(),
		ContractName:    oc.ContractName,
		Auditor:         oc.Auditor.Hex(),
		AuditType:       models.AuditType(oc.AuditType),
		RiskLevel:       models.RiskLevel(oc.RiskLevel),
		SecurityScore:   models.ClampScore(float64(oc.SecurityScore)),
		StorageHash:     oc.IpfsHash,
		TokenID:         new(big.Int).Set(id),
		TimestampMillis: models.NormalizeMillis(ts),
		PaidAmount:      paid,
		OnChain:         true,
		Network:         network,
	}
}

// Stats reads the contract's aggregate counters for the session account.
func (g *Gateway) Stats(ctx context.Context, sess Session) (*models.Stats, error) {
	vals, err := g.call(ctx, sess, MethodGetStats)
	if err != nil {
		return nil, err
	}
	if len(vals) != 3 {
		return nil, certerr.New(certerr.RpcTransientError, errShortResult)
	}
	var counts [3]uint64
	for i, v := range vals {
		n, ok := v.(*big.Int)
		if !ok {
			return nil, certerr.Newf(certerr.RpcTransientError, "unexpected %s result %T", MethodGetStats, v)
		}
		counts[i] = n.Uint64()
	}
	return &models.Stats{TotalAudits: counts[0], StaticAudits: counts[1], AIAudits: counts[2], Source: "chain"}, nil
}

// MintPrice reads the price of the paid mint.
func (g *Gateway) MintPrice(ctx context.Context, sess Session) (*big.Int, error) {
	vals, err := g.call(ctx, sess, MethodMintPrice)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, certerr.New(certerr.RpcTransientError, errShortResult)
	}
	price, ok := vals[0].(*big.Int)
	if !ok {
		return nil, certerr.Newf(certerr.RpcTransientError, "unexpected %s result %T", MethodMintPrice, vals[0])
	}
	return price, nil
}
