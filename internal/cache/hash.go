package cache

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
)

// Fingerprint hashes a request body into the 16-byte cache identity.
// JSON bodies are round-tripped through encoding/json first, which sorts
// object keys and strips whitespace, so semantically equal bodies hash
// equal regardless of formatting. Numbers are decoded as json.Number and
// re-emitted verbatim; integers past float64 precision keep distinct
// identities. Anything that fails to parse is hashed as raw bytes.
func Fingerprint(body []byte) [md5.Size]byte {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil {
		// A body with trailing data is not a JSON document.
		if _, err := dec.Token(); err == io.EOF {
			if canonical, err := json.Marshal(v); err == nil {
				return md5.Sum(canonical)
			}
		}
	}
	return md5.Sum(body)
}

// FingerprintHex returns the lowercase hex form used for persistence.
func FingerprintHex(body []byte) string {
	sum := Fingerprint(body)
	return hex.EncodeToString(sum[:])
}
