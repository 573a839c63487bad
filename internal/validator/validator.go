// Package validator implements the success validator: the pure function that turns an HTTP
// response's status and body into the (network_success, user_success) pair the accessibility
// tracker accounts against.
package validator

import "strings"

// blockedSubstrings are checked against the lowercased response body. Their presence in an
// otherwise 2xx/3xx response indicates a captive portal or block page rather than genuine content.
var blockedSubstrings = []string{
	"blocked",
	"forbidden",
	"access denied",
	"error 403",
	"error 404",
}

// ValidateHTTP classifies a forwarded response. network_success is true iff status is in
// [200, 400). user_success is true iff network_success holds, the body is non-empty, and the
// lowercased body contains none of the configured block-page substrings.
func ValidateHTTP(status int, body []byte) (networkSuccess, userSuccess bool) {
	networkSuccess = status >= 200 && status < 400
	if !networkSuccess || len(body) == 0 {
		return networkSuccess, false
	}

	lower := strings.ToLower(string(body))
	for _, s := range blockedSubstrings {
		if strings.Contains(lower, s) {
			return networkSuccess, false
		}
	}
	return networkSuccess, true
}
