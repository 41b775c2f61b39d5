// internal/gateway/credentials.go
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	appErrors "github.com/unclebandit/eduops-messaging/internal/errors"
	"github.com/unclebandit/eduops-messaging/internal/model"
)

var validate = validator.New()

type TwilioCredentials struct {
	AccountSID          string `json:"account_sid" validate:"required"`
	AuthToken           string `json:"auth_token" validate:"required"`
	From                string `json:"from" validate:"required_without=MessagingServiceSID"`
	MessagingServiceSID string `json:"messaging_service_sid"`
	StatusCallback      string `json:"status_callback" validate:"omitempty,url"`
	BaseURL             string `json:"base_url" validate:"omitempty,url"`
}

type SMPPCredentials struct {
	Addr               string `json:"addr" validate:"required,hostname_port"`
	SystemID           string `json:"system_id" validate:"required,max=15"`
	Password           string `json:"password" validate:"required,max=8"`
	SystemType         string `json:"system_type" validate:"max=12"`
	SourceAddr         string `json:"source_addr" validate:"required,max=20"`
	EnquireLinkSeconds int    `json:"enquire_link_seconds" validate:"gte=0"`
}

type ModemCredentials struct {
	BaseURL  string `json:"base_url" validate:"required,url"`
	Username string `json:"username"`
	Password string `json:"password" validate:"required_with=Username"`
	APIKey   string `json:"api_key"`
}

type WhatsAppCredentials struct {
	AccessToken   string `json:"access_token" validate:"required"`
	PhoneNumberID string `json:"phone_number_id" validate:"required"`
	APIVersion    string `json:"api_version"`
	BaseURL       string `json:"base_url" validate:"omitempty,url"`
}

type ViberCredentials struct {
	AuthToken    string `json:"auth_token" validate:"required"`
	SenderName   string `json:"sender_name" validate:"required,max=28"`
	SenderAvatar string `json:"sender_avatar" validate:"omitempty,url"`
	BaseURL      string `json:"base_url" validate:"omitempty,url"`
}

// decodeCredentials turns the opaque credential map of cfg into out and
// validates it. Any problem is reported as a ConfigurationError.
func decodeCredentials(cfg *model.GatewayConfig, out any) error {
	raw, err := json.Marshal(cfg.Credentials)
	if err != nil {
		return appErrors.NewConfigurationError(cfg.ID, cfg.Vendor, "credentials are not valid JSON")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return appErrors.NewConfigurationError(cfg.ID, cfg.Vendor, "credentials malformed: "+err.Error())
	}
	if err := validate.Struct(out); err != nil {
		return appErrors.NewConfigurationError(cfg.ID, cfg.Vendor, describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return "invalid credentials: " + strings.Join(parts, ", ")
}
