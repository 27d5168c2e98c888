package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// APICreds are the L2 credentials derived from a wallet signature.
type APICreds struct {
	Key        string
	Secret     string // url-safe base64
	Passphrase string
}

// L2Headers returns the HMAC headers for an authenticated CLOB request.
func (c APICreds) L2Headers(address, method, path, body string) map[string]string {
	return c.l2HeadersAt(address, method, path, body, time.Now().Unix())
}

func (c APICreds) l2HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	secret, err := base64.URLEncoding.DecodeString(c.Secret)
	if err != nil {
		secret = []byte(c.Secret)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + method + path + body))

	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    c.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": c.Passphrase,
		"POLY_SIGNATURE":  base64.URLEncoding.EncodeToString(mac.Sum(nil)),
	}
}

// String returns a redacted representation suitable for logging.
func (c APICreds) String() string {
	short := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("APICreds{key=%s}", short(c.Key))
}
