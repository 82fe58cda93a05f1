package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// CertificateABI is the subset of the certificate NFT contract this service uses.
const CertificateABI = `[
  {"type":"function","name":"mintCertificate","stateMutability":"payable",
   "inputs":[{"name":"contractAddress","type":"address"},{"name":"contractName","type":"string"},
             {"name":"ipfsHash","type":"string"},{"name":"securityScore","type":"uint8"},{"name":"riskLevel","type":"uint8"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"mintFreeCertificate","stateMutability":"nonpayable",
   "inputs":[{"name":"contractAddress","type":"address"},{"name":"contractName","type":"string"},
             {"name":"ipfsHash","type":"string"},{"name":"securityScore","type":"uint8"},{"name":"riskLevel","type":"uint8"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getCertificatesByOwner","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"getCertificate","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"tuple","components":[
     {"name":"contractAddress","type":"address"},{"name":"contractName","type":"string"},
     {"name":"auditor","type":"address"},{"name":"auditType","type":"uint8"},
     {"name":"riskLevel","type":"uint8"},{"name":"securityScore","type":"uint8"},
     {"name":"ipfsHash","type":"string"},{"name":"timestamp","type":"uint256"},
     {"name":"paidAmount","type":"uint256"}]}]},
  {"type":"function","name":"getStats","stateMutability":"view","inputs":[],
   "outputs":[{"name":"totalAudits","type":"uint256"},{"name":"staticAudits","type":"uint256"},{"name":"aiAudits","type":"uint256"}]},
  {"type":"function","name":"mintPrice","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"Transfer","anonymous":false,
   "inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},
             {"indexed":true,"name":"tokenId","type":"uint256"}]},
  {"type":"event","name":"CertificateMinted","anonymous":false,
   "inputs":[{"indexed":true,"name":"tokenId","type":"uint256"},{"indexed":true,"name":"contractAddress","type":"address"},
             {"indexed":true,"name":"auditor","type":"address"},{"indexed":false,"name":"auditType","type":"uint8"},
             {"indexed":false,"name":"riskLevel","type":"uint8"},{"indexed":false,"name":"securityScore","type":"uint8"},
             {"indexed":false,"name":"ipfsHash","type":"string"}]}
]`

// Contract method names.
const (
	MethodMintPaid   = "mintCertificate"
	MethodMintFree   = "mintFreeCertificate"
	MethodTokensOf   = "getCertificatesByOwner"
	MethodGetCert    = "getCertificate"
	MethodGetStats   = "getStats"
	MethodMintPrice  = "mintPrice"
	EventMinted      = "CertificateMinted"
	transferEventSig = "Transfer(address,address,uint256)"
)

var (
	certificateABI = mustParseABI(CertificateABI)

	// TransferTopic is topic[0] of the standard ownership-transfer event.
	TransferTopic = crypto.Keccak256Hash([]byte(transferEventSig))
	// MintedTopic is topic[0] of the contract's CertificateMinted event.
	MintedTopic = certificateABI.Events[EventMinted].ID
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ContractABI exposes the parsed ABI, mainly for building fixtures.
func ContractABI() abi.ABI {
	return certificateABI
}

// OnChainCertificate mirrors the getCertificate tuple.
type OnChainCertificate struct {
	ContractAddress common.Address
	ContractName    string
	Auditor         common.Address
	AuditType       uint8
	RiskLevel       uint8
	SecurityScore   uint8
	IpfsHash        string
	Timestamp       *big.Int
	PaidAmount      *big.Int
}

// abiConvert turns the anonymous struct produced by Unpack into
// OnChainCertificate. It panics on a shape mismatch.
func abiConvert(v interface{}) *OnChainCertificate {
	return abi.ConvertType(v, new(OnChainCertificate)).(*OnChainCertificate)
}
