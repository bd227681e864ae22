// Package recipient classifies SMTP recipient addresses into Signal
// destinations or plain email destinations.
package recipient

import (
	"errors"
	"strings"
)

const (
	// ReservedDomain addresses Signal numbers directly, e.g. +15551234567@signal.localdomain.
	ReservedDomain = "signal.localdomain"

	// SelfLocalPart at ReservedDomain messages the configured sender number.
	SelfLocalPart = "self"
)

// ErrMalformedRecipient is returned for addresses at ReservedDomain whose
// local part is not a phone number.
var ErrMalformedRecipient = errors.New("malformed receiver address")

// Kind tags a Destination.
type Kind int

const (
	// Email destinations are relayed to an upstream mail server.
	Email Kind = iota
	// Messaging destinations are delivered through the Signal REST API.
	Messaging
)

func (k Kind) String() string {
	switch k {
	case Messaging:
		return "messaging"
	case Email:
		return "email"
	}
	return "unknown"
}

// Destination is a classified recipient.
type Destination struct {
	Kind  Kind
	Value string
}

// Rules holds the configuration the classifier depends on.
type Rules struct {
	// RedirectDomain routes every address at this domain to SenderNumber.
	RedirectDomain string

	// SenderNumber is the bridge owner's Signal number. Backslashes are
	// stripped; they appear when the number was shell-escaped in the env.
	SenderNumber string
}

// OwnNumber returns the sender number in canonical form.
func (r Rules) OwnNumber() string {
	return strings.ReplaceAll(r.SenderNumber, `\`, "")
}

// Classify maps one RCPT address onto a Destination. Rules apply in order:
// self alias or redirect domain, then a number at ReservedDomain, then the
// address is passed through unchanged as an email destination.
func Classify(address string, rules Rules) (Destination, error) {
	local, domain, ok := splitAddress(address)
	if !ok {
		return Destination{Kind: Email, Value: address}, nil
	}

	isReserved := strings.EqualFold(domain, ReservedDomain)
	if (isReserved && local == SelfLocalPart) || isRedirect(domain, rules.RedirectDomain) {
		return Destination{Kind: Messaging, Value: rules.OwnNumber()}, nil
	}

	if isReserved {
		number, ok := parseNumber(local)
		if !ok {
			return Destination{}, ErrMalformedRecipient
		}
		return Destination{Kind: Messaging, Value: number}, nil
	}

	return Destination{Kind: Email, Value: address}, nil
}

// IsMessaging reports whether a stored destination is a Signal identifier.
// A real email address never starts with '+'.
func IsMessaging(dest string) bool {
	return strings.HasPrefix(dest, "+")
}

// Partition splits destinations into Signal identifiers and email
// addresses, keeping the original order within each group.
func Partition(dests []string) (messaging, email []string) {
	for _, d := range dests {
		if IsMessaging(d) {
			messaging = append(messaging, d)
		} else {
			email = append(email, d)
		}
	}
	return messaging, email
}

func isRedirect(domain, redirect string) bool {
	return redirect != "" && strings.EqualFold(domain, redirect)
}

// splitAddress splits at the last '@'.
func splitAddress(address string) (local, domain string, ok bool) {
	at := strings.LastIndexByte(address, '@')
	if at <= 0 || at == len(address)-1 {
		return "", "", false
	}
	return address[:at], address[at+1:], true
}

// parseNumber accepts an optionally '+'-prefixed run of ASCII digits and
// returns it with the '+' enforced.
func parseNumber(local string) (string, bool) {
	digits := strings.TrimPrefix(local, "+")
	if digits == "" {
		return "", false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return "", false
		}
	}
	return "+" + digits, true
}
