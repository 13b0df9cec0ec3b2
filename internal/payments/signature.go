package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Sign returns the hex encoded HMAC-SHA256 of "gatewayOrderID|gatewayPaymentID".
func Sign(gatewayOrderID, gatewayPaymentID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gatewayOrderID + "|" + gatewayPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares the supplied signature byte-for-byte with the expected one.
func VerifySignature(gatewayOrderID, gatewayPaymentID, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	expected := Sign(gatewayOrderID, gatewayPaymentID, secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
