// internal/gateway/status.go
package gateway

import (
	"strings"

	"github.com/unclebandit/eduops-messaging/internal/model"
)

// Provider delivery vocabularies folded into the canonical status set.
var statusVocabulary = map[string]map[string]model.MessageStatus{
	VendorTwilio: {
		"accepted":    model.StatusSent,
		"scheduled":   model.StatusSent,
		"queued":      model.StatusSent,
		"sending":     model.StatusSent,
		"sent":        model.StatusSent,
		"delivered":   model.StatusDelivered,
		"read":        model.StatusDelivered,
		"failed":      model.StatusFailed,
		"undelivered": model.StatusFailed,
		"canceled":    model.StatusFailed,
	},
	VendorWhatsAppCloud: {
		"sent":      model.StatusSent,
		"delivered": model.StatusDelivered,
		"read":      model.StatusDelivered,
		"failed":    model.StatusFailed,
	},
	VendorViber: {
		"delivered": model.StatusDelivered,
		"seen":      model.StatusDelivered,
		"failed":    model.StatusFailed,
	},
	VendorModem: {
		"pending":       model.StatusSent,
		"processed":     model.StatusSent,
		"sent":          model.StatusSent,
		"sms:sent":      model.StatusSent,
		"delivered":     model.StatusDelivered,
		"sms:delivered": model.StatusDelivered,
		"failed":        model.StatusFailed,
		"sms:failed":    model.StatusFailed,
	},
	VendorSMPP: {
		"acceptd": model.StatusSent,
		"enroute": model.StatusSent,
		"delivrd": model.StatusDelivered,
		"expired": model.StatusFailed,
		"deleted": model.StatusFailed,
		"undeliv": model.StatusFailed,
		"rejectd": model.StatusFailed,
		"unknown": model.StatusFailed,
	},
	VendorLoopback: {
		"sent":      model.StatusSent,
		"delivered": model.StatusDelivered,
		"failed":    model.StatusFailed,
	},
}

// CanonicalStatus maps a vendor's raw status word. ok is false for words the
// vendor table does not know, which callers treat as informational.
func CanonicalStatus(vendor, raw string) (model.MessageStatus, bool) {
	table, found := statusVocabulary[vendor]
	if !found {
		return "", false
	}
	s, ok := table[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}
