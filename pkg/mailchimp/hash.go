package mailchimp

import (
	"crypto/md5" //nolint:gosec // MailChimp addresses members by MD5.
	"encoding/hex"
	"strings"
)

// SubscriberHash returns the identifier MailChimp uses for a list member:
// the lowercase hex MD5 digest of the lowercased email address.
func SubscriberHash(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(email))) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
