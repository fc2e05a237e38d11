// Package normalize contains functions to normalize usernames, addresses and
// domains, so that values are compared on a common footing regardless of
// the case or Unicode form the client used. The dispatcher uses it for AUTH
// identities only; HELO/EHLO domains and TLS SNI names are not normalized.
package normalize

import (
	"github.com/mailcore/smtpcore/internal/envelope"
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// User normalizes a username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Addr normalizes the user part of an email address using PRECIS, leaving
// the domain untouched.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}

// Domain converts a domain to its ASCII (punycode) form, as used for
// comparisons and map keys.
func Domain(domain string) (string, error) {
	return idna.ToASCII(domain)
}

// DomainToUnicode converts a domain to its Unicode form, which is more
// convenient for display and logging.
func DomainToUnicode(domain string) (string, error) {
	return idna.ToUnicode(domain)
}
