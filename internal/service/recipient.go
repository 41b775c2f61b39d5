// internal/service/recipient.go
package service

import (
	"strings"

	"github.com/ttacon/libphonenumber"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/model"
)

// NormalizeRecipient validates recipient for channel. Phone addressed
// channels come back in E.164; region applies to numbers written without a
// country code. Numbers only have to be well formed for their country, not
// assigned, so test ranges such as +1 555 are accepted.
func NormalizeRecipient(channel model.ChannelType, recipient, region string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return "", appErrors.NewValidationError("recipient", "is required")
	}
	if !channel.PhoneAddressed() {
		return recipient, nil
	}

	if region == "" {
		region = "US"
	}
	p, err := libphonenumber.Parse(recipient, region)
	if err != nil {
		return "", appErrors.NewValidationError("recipient", err.Error())
	}
	if !libphonenumber.IsPossibleNumber(p) {
		return "", appErrors.NewValidationError("recipient", "phone number is malformed")
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

// normalizeSender maps a provider's sender address onto the identifier
// outbound messages use. SMPP source addresses and WhatsApp ids carry the
// country code without a leading +; a leading 0 marks a national number.
// Unparseable senders are kept as received.
func normalizeSender(channel model.ChannelType, from, region string) string {
	from = strings.TrimSpace(from)
	if !channel.PhoneAddressed() || from == "" {
		return from
	}
	candidate := from
	if !strings.HasPrefix(from, "+") && !strings.HasPrefix(from, "0") && isDigits(from) {
		candidate = "+" + from
	}
	if e164, err := NormalizeRecipient(channel, candidate, region); err == nil {
		return e164
	}
	return from
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
