// Package crypto loads the trading wallet key and produces the signatures
// and HMAC headers the CLOB expects.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// Keyfile versions. v1 files were derived with PBKDF2; new files use scrypt.
const (
	keyfileV1 = 1
	keyfileV2 = 2

	pbkdf2Iterations = 480_000
	scryptN          = 1 << 15
	scryptR          = 8
	scryptP          = 1
	saltLen          = 16
	aesKeyLen        = 32
)

type keyfile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource says where the wallet key comes from. A raw key wins over a file.
type KeySource struct {
	RawHex   string
	Path     string
	Password string
}

// LoadPrivateKey resolves src into a secp256k1 key.
func LoadPrivateKey(src KeySource) (*ecdsa.PrivateKey, error) {
	switch {
	case src.RawHex != "":
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(src.RawHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("crypto/key: parse raw key: %w", err)
		}
		return key, nil
	case src.Path != "":
		blob, err := os.ReadFile(src.Path)
		if err != nil {
			return nil, fmt.Errorf("crypto/key: read %s: %w", src.Path, err)
		}
		raw, err := Open(blob, src.Password)
		if err != nil {
			return nil, err
		}
		key, err := ethcrypto.ToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("crypto/key: decode decrypted key: %w", err)
		}
		return key, nil
	}
	return nil, errors.New("crypto/key: no wallet key configured")
}

// Seal encrypts a 32-byte private key with password into a v2 keyfile.
func Seal(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto/key: empty password")
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/key: parse key: %w", err)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto/key: salt: %w", err)
	}
	gcm, err := newGCM(keyfileV2, password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto/key: nonce: %w", err)
	}
	enc := base64.StdEncoding
	return json.MarshalIndent(keyfile{
		Version:    keyfileV2,
		Salt:       enc.EncodeToString(salt),
		Nonce:      enc.EncodeToString(nonce),
		Ciphertext: enc.EncodeToString(gcm.Seal(nil, nonce, ethcrypto.FromECDSA(key), nil)),
	}, "", "  ")
}

// Open decrypts a keyfile and returns the raw key bytes.
func Open(blob []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto/key: empty password")
	}
	var kf keyfile
	if err := json.Unmarshal(blob, &kf); err != nil {
		return nil, fmt.Errorf("crypto/key: parse keyfile: %w", err)
	}
	enc := base64.StdEncoding
	salt, err := enc.DecodeString(kf.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto/key: salt: %w", err)
	}
	nonce, err := enc.DecodeString(kf.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto/key: nonce: %w", err)
	}
	ct, err := enc.DecodeString(kf.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto/key: ciphertext: %w", err)
	}
	gcm, err := newGCM(kf.Version, password, salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto/key: decrypt (wrong password?): %w", err)
	}
	return plain, nil
}

func newGCM(version int, password string, salt []byte) (cipher.AEAD, error) {
	var derived []byte
	switch version {
	case keyfileV1:
		derived = pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	case keyfileV2:
		var err error
		derived, err = scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, aesKeyLen)
		if err != nil {
			return nil, fmt.Errorf("crypto/key: scrypt: %w", err)
		}
	default:
		return nil, fmt.Errorf("crypto/key: unsupported keyfile version %d", version)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto/key: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
