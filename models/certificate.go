package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/rotisserie/eris"
)

// AuditType distinguishes the free static path from the paid AI path.
type AuditType uint8

const (
	AuditStatic AuditType = iota
	AuditAIPowered
)

func (t AuditType) String() string {
	switch t {
	case AuditStatic:
		return "STATIC"
	case AuditAIPowered:
		return "AI_POWERED"
	}
	return fmt.Sprintf("AuditType(%d)", uint8(t))
}

// Paid reports whether minting this audit type requires a payment.
func (t AuditType) Paid() bool {
	return t == AuditAIPowered
}

func ParseAuditType(s string) (AuditType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STATIC", "0":
		return AuditStatic, nil
	case "AI_POWERED", "AI", "AI-POWERED", "1":
		return AuditAIPowered, nil
	}
	return 0, eris.Errorf("unknown audit type %q", s)
}

func (t AuditType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *AuditType) UnmarshalJSON(b []byte) error {
	v, err := parseEnumJSON(b, ParseAuditType)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// RiskLevel mirrors the contract's uint8 enum.
type RiskLevel uint8

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	}
	return fmt.Sprintf("RiskLevel(%d)", uint8(r))
}

// Valid reports whether r maps onto one of the contract's enum values.
func (r RiskLevel) Valid() bool {
	return r <= RiskCritical
}

func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW", "0":
		return RiskLow, nil
	case "MEDIUM", "1":
		return RiskMedium, nil
	case "HIGH", "2":
		return RiskHigh, nil
	case "CRITICAL", "3":
		return RiskCritical, nil
	}
	return 0, eris.Errorf("unknown risk level %q", s)
}

// RiskFromScore derives a risk level from a normalized security score.
func RiskFromScore(score uint8) RiskLevel {
	switch {
	case score < 40:
		return RiskCritical
	case score < 60:
		return RiskHigh
	case score < 80:
		return RiskMedium
	}
	return RiskLow
}

func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *RiskLevel) UnmarshalJSON(b []byte) error {
	v, err := parseEnumJSON(b, ParseRiskLevel)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// parseEnumJSON accepts either a JSON string or a JSON number.
func parseEnumJSON[T any](b []byte, parse func(string) (T, error)) (T, error) {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return parse(s)
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		var zero T
		return zero, err
	}
	return parse(n.String())
}

// Certificate is one audit certificate, either chain-backed or a local
// fallback record.
type Certificate struct {
	ContractAddress string    `json:"contractAddress"`
	ContractName    string    `json:"contractName"`
	Auditor         string    `json:"auditor,omitempty"`
	AuditType       AuditType `json:"auditType"`
	RiskLevel       RiskLevel `json:"riskLevel"`
	SecurityScore   uint8     `json:"securityScore"`
	StorageHash     string    `json:"storageHash"`
	StorageURL      string    `json:"storageUrl,omitempty"`
	TokenID         *big.Int  `json:"tokenId,omitempty"`
	// Placeholder marks TokenID as a locally generated stand-in that the
	// chain has not confirmed.
	Placeholder     bool     `json:"placeholder,omitempty"`
	TimestampMillis int64    `json:"timestamp"`
	PaidAmount      *big.Int `json:"paidAmount,omitempty"`
	OnChain         bool     `json:"onChain"`
	Network         string   `json:"network"`
	TxHash          string   `json:"txHash,omitempty"`
}

// Confirmed reports whether the certificate carries a chain-assigned identifier.
func (c *Certificate) Confirmed() bool {
	return c.TokenID != nil && !c.Placeholder
}

// NormalizeMillis converts a timestamp that may be in seconds (chain block
// time) to milliseconds. Values below 1e12 are taken to be seconds.
func NormalizeMillis(ts int64) int64 {
	if ts > 0 && ts < 1_000_000_000_000 {
		return ts * 1000
	}
	return ts
}

// Stats aggregates certificate counts for an account.
type Stats struct {
	TotalAudits  uint64 `json:"totalAudits"`
	StaticAudits uint64 `json:"staticAudits"`
	AIAudits     uint64 `json:"aiAudits"`
	// Source is "chain" when read from the contract and "derived" when
	// counted from the merged certificate list.
	Source string `json:"source"`
}

// Network describes one chain slot the service can target.
type Network struct {
	Key             string   `json:"key" mapstructure:"key"`
	Name            string   `json:"name" mapstructure:"name"`
	ChainID         uint64   `json:"chainId" mapstructure:"chain_id"`
	RPCURLs         []string `json:"rpcUrls" mapstructure:"rpc_urls"`
	ExplorerURL     string   `json:"explorerUrl" mapstructure:"explorer_url"`
	CurrencyName    string   `json:"currencyName" mapstructure:"currency_name"`
	CurrencySymbol  string   `json:"currencySymbol" mapstructure:"currency_symbol"`
	CurrencyDecimal int      `json:"currencyDecimals" mapstructure:"currency_decimals"`
	ContractAddress string   `json:"contractAddress" mapstructure:"contract_address"`
}
