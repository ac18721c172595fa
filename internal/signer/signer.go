// Package signer computes venue request signatures. Nothing here keeps state
// between calls: identical inputs always produce identical signatures.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Param is a single request parameter. Order is significant for query-string signing.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered parameter set.
type Params []Param

// Add appends a parameter and returns the extended set.
func (p Params) Add(key, value string) Params {
	return append(p, Param{Key: key, Value: value})
}

// Get returns the first value stored under key.
func (p Params) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Encode renders the parameters as a URL query string in their current order.
func (p Params) Encode() string {
	var b strings.Builder
	for i, kv := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.Value))
	}
	return b.String()
}

// Sorted returns a copy ordered by key. Equal keys keep their relative order.
func (p Params) Sorted() Params {
	out := make(Params, len(p))
	copy(out, p)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SignHMAC returns the lowercase hex HMAC-SHA256 of message keyed by secret.
func SignHMAC(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// QuerySigned is the outcome of query-string style signing.
type QuerySigned struct {
	// Query is the full query string including timestamp and signature.
	Query     string
	Signature string
}

// SignQuery implements query-string style signing: params keep their order,
// timestamp is appended, the encoded string is signed and the signature is
// appended as the final parameter.
func SignQuery(secret string, params Params, timestamp string) QuerySigned {
	payload := params.Add("timestamp", timestamp).Encode()
	sig := SignHMAC(secret, payload)
	return QuerySigned{
		Query:     payload + "&signature=" + sig,
		Signature: sig,
	}
}

// ConcatPayload renders params sorted by key as unescaped key=value pairs joined by '&'.
func ConcatPayload(params Params) string {
	sorted := params.Sorted()
	parts := make([]string, 0, len(sorted))
	for _, kv := range sorted {
		parts = append(parts, kv.Key+"="+kv.Value)
	}
	return strings.Join(parts, "&")
}

// SignConcat implements concatenation style signing. The signed message is
// timestamp + apiKey + recvWindow + payload; recvWindow may be empty. The
// signature and timestamp travel as headers, not as query parameters.
func SignConcat(secret, apiKey, timestamp, recvWindow, payload string) string {
	return SignHMAC(secret, timestamp+apiKey+recvWindow+payload)
}
