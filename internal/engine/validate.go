package engine

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

const (
	maxDisplayNameLen = 120
	maxNotesLen       = 500
	maxQueueNameLen   = 120
)

type CustomerInfo struct {
	DisplayName string
	Phone       string
	Email       string
	Notes       string
}

// normalize trims the fields, strips phone punctuation and rejects values the
// admission surface should have caught.
func (c CustomerInfo) normalize() (string, *models.Contact, error) {
	name := strings.TrimSpace(c.DisplayName)
	if name == "" {
		return "", nil, fmt.Errorf("%w: display name is required", store.ErrInvalidCustomer)
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLen {
		return "", nil, fmt.Errorf("%w: display name longer than %d characters", store.ErrInvalidCustomer, maxDisplayNameLen)
	}

	contact := models.Contact{
		Phone: normalizePhone(c.Phone),
		Email: strings.TrimSpace(c.Email),
		Notes: strings.TrimSpace(c.Notes),
	}
	if contact.Phone != "" && !isValidPhone(contact.Phone) {
		return "", nil, fmt.Errorf("%w: phone must have 8 to 16 digits", store.ErrInvalidCustomer)
	}
	if contact.Email != "" {
		if _, err := mail.ParseAddress(contact.Email); err != nil {
			return "", nil, fmt.Errorf("%w: invalid email", store.ErrInvalidCustomer)
		}
	}
	if utf8.RuneCountInString(contact.Notes) > maxNotesLen {
		return "", nil, fmt.Errorf("%w: notes longer than %d characters", store.ErrInvalidCustomer, maxNotesLen)
	}
	if contact.IsZero() {
		return name, nil, nil
	}
	return name, &contact, nil
}

func normalizePhone(value string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.', '+':
			return -1
		}
		return r
	}, strings.TrimSpace(value))
}

func isValidPhone(value string) bool {
	if len(value) < 8 || len(value) > 16 {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
