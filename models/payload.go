package models

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rotisserie/eris"
)

// DefaultContractName is used when the caller did not name the contract.
const DefaultContractName = "Unknown Contract"

var (
	ErrInvalidAddress = eris.New("contract address is not a valid hex address")
	ErrMissingScore   = eris.New("analysis result carries no security score")
	ErrMissingSummary = eris.New("analysis result carries no human-readable summary")
	ErrMissingResult  = eris.New("mint request carries no analysis result")
)

// MintRequest is what a caller hands to the mint pipeline.
type MintRequest struct {
	ContractAddress string         `json:"contractAddress"`
	ContractName    string         `json:"contractName"`
	Network         string         `json:"network"`
	Account         string         `json:"account,omitempty"`
	RiskLevel       *RiskLevel     `json:"riskLevel,omitempty"`
	Result          AnalysisResult `json:"-"`
}

func (m *MintRequest) UnmarshalJSON(b []byte) error {
	type plain MintRequest
	var w struct {
		plain
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = MintRequest(w.plain)
	if len(w.Result) == 0 || string(w.Result) == "null" {
		return nil
	}
	res, err := DecodeAnalysisResult(w.Result)
	if err != nil {
		return err
	}
	m.Result = res
	return nil
}

// DraftKey names the logical certificate a request targets: one per
// contract address per network.
func (m *MintRequest) DraftKey() string {
	addr := strings.ToLower(strings.TrimSpace(m.ContractAddress))
	if common.IsHexAddress(addr) {
		addr = strings.ToLower(common.HexToAddress(addr).Hex())
	}
	return m.Network + ":" + addr
}

// CertificatePayload is the document persisted by the off-chain store.
type CertificatePayload struct {
	ContractAddress string      `json:"contractAddress"`
	ContractName    string      `json:"contractName"`
	Auditor         string      `json:"auditor,omitempty"`
	AuditType       AuditType   `json:"auditType"`
	AuditResult     AuditResult `json:"auditResult"`
	SecurityScore   uint8       `json:"securityScore"`
	RiskLevel       RiskLevel   `json:"riskLevel"`
	Network         string      `json:"network"`
	Timestamp       int64       `json:"timestamp"`
}

// ClampScore rounds a raw score and clamps it into [0,100].
func ClampScore(raw float64) uint8 {
	if math.IsNaN(raw) {
		return 0
	}
	v := math.Round(raw)
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return uint8(v)
}

// Normalize shapes a mint request into the canonical payload. An explicit
// risk level on the request wins over one in the result, and either wins over
// the level derived from the score.
func Normalize(req MintRequest, auditor string, now time.Time) (CertificatePayload, error) {
	if req.Result == nil {
		return CertificatePayload{}, ErrMissingResult
	}
	addr := strings.TrimSpace(req.ContractAddress)
	if !common.IsHexAddress(addr) {
		return CertificatePayload{}, eris.Wrapf(ErrInvalidAddress, "%q", req.ContractAddress)
	}
	raw, ok := req.Result.Score()
	if !ok {
		return CertificatePayload{}, ErrMissingScore
	}
	report := req.Result.Report()
	if !hasSummary(report) {
		return CertificatePayload{}, ErrMissingSummary
	}

	score := ClampScore(raw)
	risk := RiskFromScore(score)
	if r, ok := req.Result.Risk(); ok && r.Valid() {
		risk = r
	}
	if req.RiskLevel != nil && req.RiskLevel.Valid() {
		risk = *req.RiskLevel
	}

	name := strings.TrimSpace(req.ContractName)
	if name == "" {
		name = DefaultContractName
	}
	if auditor != "" && common.IsHexAddress(auditor) {
		auditor = common.HexToAddress(auditor).Hex()
	}

	return CertificatePayload{
		ContractAddress: common.HexToAddress(addr).Hex(),
		ContractName:    name,
		Auditor:         auditor,
		AuditType:       req.Result.AuditType(),
		AuditResult:     report,
		SecurityScore:   score,
		RiskLevel:       risk,
		Network:         req.Network,
		Timestamp:       now.UnixMilli(),
	}, nil
}

func hasSummary(r AuditResult) bool {
	if strings.TrimSpace(r.Summary) != "" {
		return true
	}
	for _, f := range r.Findings {
		if strings.TrimSpace(f.Title) != "" || strings.TrimSpace(f.Description) != "" {
			return true
		}
	}
	return false
}
