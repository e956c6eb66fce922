package service

import (
	"net/mail"
	"strings"
	"unicode"
)

type RegisterInput struct {
	DisplayName string `json:"displayName"`
	UserName    string `json:"userName"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber"`
	Password    string `json:"password"`
}

const minPasswordLength = 8

// validateRegisterInput collects every violation so the caller can report the
// full list in one response.
func validateRegisterInput(in RegisterInput) []string {
	var violations []string
	if strings.TrimSpace(in.DisplayName) == "" {
		violations = append(violations, "display name is required")
	}
	userName := strings.TrimSpace(in.UserName)
	if userName == "" {
		violations = append(violations, "user name is required")
	} else if strings.ContainsAny(userName, " \t") {
		violations = append(violations, "user name must not contain whitespace")
	}
	if _, err := mail.ParseAddress(strings.TrimSpace(in.Email)); err != nil {
		violations = append(violations, "email is not a valid address")
	}
	violations = append(violations, validatePassword(in.Password)...)
	return violations
}

func validatePassword(password string) []string {
	var violations []string
	if len(password) < minPasswordLength {
		violations = append(violations, "password must be at least 8 characters")
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper {
		violations = append(violations, "password must contain an uppercase letter")
	}
	if !hasLower {
		violations = append(violations, "password must contain a lowercase letter")
	}
	if !hasDigit {
		violations = append(violations, "password must contain a digit")
	}
	return violations
}
