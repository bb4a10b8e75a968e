package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

var (
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)
	settlementTypeHash = ethcrypto.Keccak256(
		[]byte("Settlement(string auctionId,bytes32 reportHash,uint256 allocated,uint256 generatedAt)"),
	)
)

const (
	domainName    = "DutchAuction"
	domainVersion = "1"
)

// Signer attests settlement reports and signs API requests with the
// operator key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
	domainSep  []byte
}

// NewSigner builds a signer from a hex secp256k1 key. chainID only feeds the
// EIP-712 domain of report attestations.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
		domainSep:  domainSeparator(chainID),
	}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignReport returns rep with Signer and Signature set. Any previous
// signature is ignored when hashing.
func (s *Signer) SignReport(rep domain.SettlementReport) (domain.SettlementReport, error) {
	digest, err := reportDigest(s.domainSep, rep)
	if err != nil {
		return rep, err
	}
	sig, err := s.signDigest(digest)
	if err != nil {
		return rep, err
	}
	rep.Signer = s.address.Hex()
	rep.Signature = sig
	return rep, nil
}

// SignPersonal signs msg with the EIP-191 personal_sign prefix.
func (s *Signer) SignPersonal(msg []byte) (string, error) {
	return s.signDigest(accounts.TextHash(msg))
}

// VerifyReport checks that rep carries a valid attestation by rep.Signer for
// chainID.
func VerifyReport(rep domain.SettlementReport, chainID int64) error {
	if rep.Signer == "" || rep.Signature == "" {
		return fmt.Errorf("crypto: report %s is not signed: %w", rep.AuctionID, domain.ErrUnauthorized)
	}
	digest, err := reportDigest(domainSeparator(chainID), rep)
	if err != nil {
		return err
	}
	got, err := recoverDigest(digest, rep.Signature)
	if err != nil {
		return err
	}
	if got != common.HexToAddress(rep.Signer) {
		return fmt.Errorf("crypto: report %s signed by %s, claims %s: %w",
			rep.AuctionID, got.Hex(), rep.Signer, domain.ErrUnauthorized)
	}
	return nil
}

// RecoverPersonal returns the address that produced an EIP-191 signature
// over msg.
func RecoverPersonal(msg []byte, sigHex string) (common.Address, error) {
	return recoverDigest(accounts.TextHash(msg), sigHex)
}

// ReportHash is keccak256 of the report's JSON encoding with the signature
// fields cleared.
func ReportHash(rep domain.SettlementReport) ([]byte, error) {
	rep.Signer, rep.Signature = "", ""
	data, err := json.Marshal(rep)
	if err != nil {
		return nil, fmt.Errorf("crypto: encode report: %w", err)
	}
	return ethcrypto.Keccak256(data), nil
}

func domainSeparator(chainID int64) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(domainName)),
			ethcrypto.Keccak256([]byte(domainVersion)),
			bigIntTo32Bytes(big.NewInt(chainID)),
		),
	)
}

// reportDigest is keccak256("\x19\x01" || domainSeparator || structHash).
func reportDigest(domainSep []byte, rep domain.SettlementReport) ([]byte, error) {
	reportHash, err := ReportHash(rep)
	if err != nil {
		return nil, err
	}
	structHash := ethcrypto.Keccak256(
		concatBytes(
			settlementTypeHash,
			ethcrypto.Keccak256([]byte(rep.AuctionID)),
			reportHash,
			bigIntTo32Bytes(big.NewInt(rep.Allocated)),
			bigIntTo32Bytes(big.NewInt(rep.GeneratedAt.Unix())),
		),
	)
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash)), nil
}

// signDigest returns r || s || v as 0x-hex with v in {27, 28}.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto: sign: %w: %w", domain.ErrSigningFailed, err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func recoverDigest(digest []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto: malformed signature: %w", domain.ErrUnauthorized)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover signer: %w: %w", domain.ErrUnauthorized, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
