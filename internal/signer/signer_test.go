package signer

import (
	"strings"
	"testing"
)

func TestSignHMACKnownVector(t *testing.T) {
	// Example from the Binance API documentation.
	secret := "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
	payload := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"

	if got := SignHMAC(secret, payload); got != want {
		t.Fatalf("SignHMAC = %s, want %s", got, want)
	}
}

func TestSignHMACDeterministic(t *testing.T) {
	cases := []struct{ secret, msg string }{
		{"", ""},
		{"secret", "a=1&b=2"},
		{"ключ", "unicode payload ✓"},
	}
	for _, c := range cases {
		first := SignHMAC(c.secret, c.msg)
		second := SignHMAC(c.secret, c.msg)
		if first != second {
			t.Fatalf("signature not deterministic for %q: %s != %s", c.msg, first, second)
		}
		if len(first) != 64 || strings.ToLower(first) != first {
			t.Fatalf("expected 64 lowercase hex chars, got %q", first)
		}
	}
	if SignHMAC("a", "msg") == SignHMAC("b", "msg") {
		t.Fatalf("different secrets produced the same signature")
	}
}

func TestSignQueryKeepsOrderAndAppendsSignature(t *testing.T) {
	params := Params{}.Add("symbol", "BTCUSDT").Add("side", "BUY").Add("quantity", "0.01")
	signed := SignQuery("secret", params, "1700000000000")

	wantPayload := "symbol=BTCUSDT&side=BUY&quantity=0.01&timestamp=1700000000000"
	if !strings.HasPrefix(signed.Query, wantPayload+"&signature=") {
		t.Fatalf("unexpected query: %s", signed.Query)
	}
	if signed.Signature != SignHMAC("secret", wantPayload) {
		t.Fatalf("signature does not cover the encoded payload")
	}
	if !strings.HasSuffix(signed.Query, "&signature="+signed.Signature) {
		t.Fatalf("signature must be the last parameter: %s", signed.Query)
	}
}

func TestSignQueryEscapesValues(t *testing.T) {
	params := Params{}.Add("note", "a b&c")
	signed := SignQuery("secret", params, "1")
	if !strings.HasPrefix(signed.Query, "note=a+b%26c&timestamp=1") {
		t.Fatalf("values were not URL encoded: %s", signed.Query)
	}
}

func TestConcatPayloadSortsByKey(t *testing.T) {
	params := Params{}.Add("symbol", "BTCUSDT").Add("category", "linear").Add("orderId", "42")
	if got := ConcatPayload(params); got != "category=linear&orderId=42&symbol=BTCUSDT" {
		t.Fatalf("unexpected payload: %s", got)
	}
	// caller's slice is untouched
	if params[0].Key != "symbol" {
		t.Fatalf("ConcatPayload reordered the input")
	}
}

func TestSignConcatPrependsTimestampAndKey(t *testing.T) {
	got := SignConcat("secret", "key", "1700000000000", "5000", "category=linear")
	want := SignHMAC("secret", "1700000000000key5000category=linear")
	if got != want {
		t.Fatalf("SignConcat = %s, want %s", got, want)
	}
}

func TestParamsGet(t *testing.T) {
	params := Params{}.Add("a", "1").Add("b", "2")
	if v, ok := params.Get("b"); !ok || v != "2" {
		t.Fatalf("Get(b) = %q, %v", v, ok)
	}
	if _, ok := params.Get("c"); ok {
		t.Fatalf("Get(c) should miss")
	}
}
