package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Exchange contracts that verify order signatures on Polygon.
const (
	ctfExchange        = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskCTFExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	zeroAddress        = "0x0000000000000000000000000000000000000000"

	clobAuthMessage = "This message attests that I control the given wallet"
)

// Side values in the signed order struct.
const (
	SideBuy  = 0
	SideSell = 1
)

// usdcUnits is the fixed-point scale of USDC and outcome-token amounts.
const usdcUnits = 1e6

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "salt", Type: "uint256"},
		{Name: "maker", Type: "address"},
		{Name: "signer", Type: "address"},
		{Name: "taker", Type: "address"},
		{Name: "tokenId", Type: "uint256"},
		{Name: "makerAmount", Type: "uint256"},
		{Name: "takerAmount", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "feeRateBps", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "signatureType", Type: "uint8"},
	},
}

var authTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	},
	"ClobAuth": {
		{Name: "address", Type: "address"},
		{Name: "timestamp", Type: "string"},
		{Name: "nonce", Type: "uint256"},
		{Name: "message", Type: "string"},
	},
}

// OrderPayload is the signed order struct. Integers are decimal strings so
// they survive JSON without precision loss.
type OrderPayload struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          int    `json:"side"`
	SignatureType int    `json:"signatureType"`
}

// Signer signs CLOB orders and auth messages with one wallet key. Orders are
// funded by the proxy/safe address when one is configured.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	funder  common.Address
	sigType int
	chainID int64
}

// NewSigner builds a signer. funder may be empty for plain EOA trading.
func NewSigner(key *ecdsa.PrivateKey, chainID int64, funder string, sigType int) *Signer {
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	s := &Signer{key: key, address: addr, funder: addr, sigType: sigType, chainID: chainID}
	if funder != "" {
		s.funder = common.HexToAddress(funder)
	}
	return s
}

// Address returns the signing EOA.
func (s *Signer) Address() common.Address { return s.address }

// Funder returns the address that holds the collateral.
func (s *Signer) Funder() common.Address { return s.funder }

// BuyPayload prices a buy of size shares at price into integer amounts:
// the maker gives price*size USDC and takes size shares.
func (s *Signer) BuyPayload(tokenID string, price, size float64, salt int64) (OrderPayload, error) {
	if price <= 0 || price >= 1 || size <= 0 {
		return OrderPayload{}, fmt.Errorf("crypto/signer: invalid buy price=%v size=%v", price, size)
	}
	taker := math.Round(size * usdcUnits)
	maker := math.Round(price * size * usdcUnits)
	return OrderPayload{
		Salt:          strconv.FormatInt(salt, 10),
		Maker:         s.funder.Hex(),
		Signer:        s.address.Hex(),
		Taker:         zeroAddress,
		TokenID:       tokenID,
		MakerAmount:   strconv.FormatFloat(maker, 'f', 0, 64),
		TakerAmount:   strconv.FormatFloat(taker, 'f', 0, 64),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          SideBuy,
		SignatureType: s.sigType,
	}, nil
}

// SignOrder returns the 0x-prefixed signature of o for the exchange that
// settles it.
func (s *Signer) SignOrder(o OrderPayload, negRisk bool) (string, error) {
	contract := ctfExchange
	if negRisk {
		contract = negRiskCTFExchange
	}
	td := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           ethmath.NewHexOrDecimal256(s.chainID),
			VerifyingContract: contract,
		},
		Message: apitypes.TypedDataMessage{
			"salt":          o.Salt,
			"maker":         o.Maker,
			"signer":        o.Signer,
			"taker":         o.Taker,
			"tokenId":       o.TokenID,
			"makerAmount":   o.MakerAmount,
			"takerAmount":   o.TakerAmount,
			"expiration":    o.Expiration,
			"nonce":         o.Nonce,
			"feeRateBps":    o.FeeRateBps,
			"side":          strconv.Itoa(o.Side),
			"signatureType": strconv.Itoa(o.SignatureType),
		},
	}
	return s.sign(td)
}

// SignAuth signs the ClobAuth message used to derive API credentials.
func (s *Signer) SignAuth(timestamp, nonce int64) (string, error) {
	td := apitypes.TypedData{
		Types:       authTypes,
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: ethmath.NewHexOrDecimal256(s.chainID),
		},
		Message: apitypes.TypedDataMessage{
			"address":   s.address.Hex(),
			"timestamp": strconv.FormatInt(timestamp, 10),
			"nonce":     big.NewInt(nonce).String(),
			"message":   clobAuthMessage,
		},
	}
	return s.sign(td)
}

func (s *Signer) sign(td apitypes.TypedData) (string, error) {
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: hash %s: %w", td.PrimaryType, err)
	}
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: sign %s: %w", td.PrimaryType, err)
	}
	// go-ethereum returns v in {0,1}; the exchange expects {27,28}.
	sig[64] += 27
	return hexutil.Encode(sig), nil
}
