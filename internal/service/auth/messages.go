package auth

import (
	"errors"
	"strings"
)

const (
	msgInvalidCredentials = "Invalid email or password. Please check your credentials and try again."
	msgEmailNotConfirmed  = "Please check your email and click the confirmation link before signing in."
	msgUnexpected         = "An unexpected error occurred. Please try again."
)

// Describe turns an error from the provider into text fit to show a user.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var perr *ProviderError
	if !errors.As(err, &perr) {
		return msgUnexpected
	}

	switch {
	case strings.Contains(perr.Message, "Invalid login credentials"), perr.Code == "invalid_credentials":
		return msgInvalidCredentials
	case strings.Contains(perr.Message, "Email not confirmed"), perr.Code == "email_not_confirmed":
		return msgEmailNotConfirmed
	case perr.Message != "":
		return perr.Message
	default:
		return msgUnexpected
	}
}
