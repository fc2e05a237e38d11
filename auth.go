package smtpcore

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/mailcore/smtpcore/internal/normalize"
)

// AuthOutcome discriminates what an AUTH mechanism's Next round produced.
type AuthOutcome int

const (
	// AuthMore means challenge carries the next "334 <b64>" line to send;
	// the engine will read one more client line and call Next again.
	AuthMore AuthOutcome = iota
	// AuthSuccess means identity is the opaque value to store as
	// Session.AuthIdentity.
	AuthSuccess
	// AuthInvalid means the credentials were well-formed but wrong: the
	// engine replies 535 and increments Session.LoginFailedCount.
	AuthInvalid
	// AuthUnhandled means an internal error occurred; the engine replies
	// 454 and does not increment LoginFailedCount (per §4.3, that counter
	// tracks only attempts that reached the credential-check stage).
	AuthUnhandled
)

// AuthResult is what a Mechanism's Start/Next rounds return.
type AuthResult struct {
	Outcome   AuthOutcome
	Challenge []byte      // valid when Outcome == AuthMore
	Identity  interface{} // valid when Outcome == AuthSuccess
	Err       error       // valid when Outcome == AuthUnhandled
}

// Mechanism is one round of a SASL exchange, modeled as the small
// cooperative state machine the spec's §9 "Co-routine SASL exchanges" design
// note prescribes for languages without generators: Start offers an
// optional initial challenge, and Next is fed the client's response to each
// challenge until the exchange terminates.
type Mechanism interface {
	// Start begins the exchange. If initialResponse is non-nil (the client
	// supplied "AUTH <mech> <response>" in a single line), it is treated as
	// the first client response and Start should behave as if Next had
	// immediately been called with it; otherwise Start returns the first
	// challenge to send.
	Start(initialResponse []byte) AuthResult

	// Next is called with each subsequent client line (already
	// base64-decoded, except when the outcome of the previous round
	// demanded a raw line — see the built-in mechanisms for the exact
	// contract each expects).
	Next(response []byte) AuthResult
}

// MechanismFactory constructs a fresh Mechanism for one AUTH attempt. A
// factory, not a shared Mechanism instance, is registered so concurrent
// connections never share exchange state.
type MechanismFactory func() Mechanism

// Identity is the default shape produced by the built-in PLAIN and LOGIN
// mechanisms, preserving the teacher's "user@domain" wire convention
// (auth.DecodeResponse's NUL-separated triple, normalized via PRECIS/IDNA).
type Identity struct {
	User     string
	Domain   string
	Password string
}

func (id *Identity) String() string {
	return id.User + "@" + id.Domain
}

// Authenticator is consulted by the built-in mechanisms to check
// credentials; embedders provide one via Server.Authenticator (or via
// their own Mechanisms() override, bypassing Authenticator entirely).
type Authenticator interface {
	// Authenticate reports whether user@domain/password is a valid
	// credential. An error indicates an internal failure (AuthUnhandled),
	// not "wrong password" (that is ok=false, err=nil → AuthInvalid).
	Authenticate(user, domain, password string) (bool, error)
}

// builtinMechanisms returns fresh PLAIN and LOGIN factories bound to authr.
func builtinMechanisms(authr Authenticator) map[string]MechanismFactory {
	return map[string]MechanismFactory{
		"PLAIN": func() Mechanism { return &plainMechanism{authr: authr} },
		"LOGIN": func() Mechanism { return &loginMechanism{authr: authr} },
	}
}

// plainMechanism implements RFC 4954 AUTH PLAIN: a single client response
// of "authzid \0 authcid \0 passwd", base64-encoded.
type plainMechanism struct {
	authr Authenticator
}

func (m *plainMechanism) Start(initialResponse []byte) AuthResult {
	if initialResponse != nil {
		return m.Next(initialResponse)
	}
	return AuthResult{Outcome: AuthMore, Challenge: []byte{}}
}

func (m *plainMechanism) Next(response []byte) AuthResult {
	identity, passwd, err := decodePlainResponse(response)
	if err != nil {
		return AuthResult{Outcome: AuthUnhandled, Err: err}
	}
	return checkIdentity(m.authr, identity, passwd)
}

// loginMechanism implements AUTH LOGIN: the server prompts for username
// then password, each a base64-encoded string sent on its own line.
type loginMechanism struct {
	authr Authenticator
	user  []byte
	step  int
}

func (m *loginMechanism) Start(initialResponse []byte) AuthResult {
	if initialResponse != nil {
		m.step = 1
		m.user = initialResponse
		return AuthResult{Outcome: AuthMore, Challenge: []byte("Password:")}
	}
	return AuthResult{Outcome: AuthMore, Challenge: []byte("Username:")}
}

func (m *loginMechanism) Next(response []byte) AuthResult {
	if m.step == 0 {
		m.user = response
		m.step = 1
		return AuthResult{Outcome: AuthMore, Challenge: []byte("Password:")}
	}

	identity, err := normalizeIdentity(string(m.user))
	if err != nil {
		return AuthResult{Outcome: AuthUnhandled, Err: err}
	}
	return checkIdentity(m.authr, identity, string(response))
}

// decodePlainResponse parses a raw (not yet base64-decoded) PLAIN response
// into a normalized "user@domain" identity and the plaintext password,
// following the teacher's auth.DecodeResponse.
func decodePlainResponse(raw []byte) (identity, passwd string, err error) {
	bufsp := bytes.SplitN(raw, []byte{0}, 3)
	if len(bufsp) != 3 {
		return "", "", fmt.Errorf("response pieces != 3, as per RFC")
	}

	passwd = string(bufsp[2])

	z := string(bufsp[0])
	c := string(bufsp[1])
	if z != "" && c != "" && z != c {
		return "", "", fmt.Errorf("auth IDs do not match")
	}

	id := c
	if id == "" {
		id = z
	}
	if id == "" {
		return "", "", fmt.Errorf("empty identity, must be in the form user@domain")
	}

	identity, err = normalizeIdentity(id)
	return identity, passwd, err
}

func normalizeIdentity(id string) (string, error) {
	idsp := strings.SplitN(id, "@", 2)
	if len(idsp) != 2 {
		return "", fmt.Errorf("identity must be in the form user@domain")
	}

	user, err := normalize.User(idsp[0])
	if err != nil {
		return "", err
	}
	domain, err := normalize.Domain(idsp[1])
	if err != nil {
		return "", err
	}
	return user + "@" + domain, nil
}

func checkIdentity(authr Authenticator, identity, passwd string) AuthResult {
	idsp := strings.SplitN(identity, "@", 2)
	user, domain := idsp[0], ""
	if len(idsp) == 2 {
		domain = idsp[1]
	}

	if authr == nil {
		return AuthResult{Outcome: AuthInvalid}
	}

	ok, err := authr.Authenticate(user, domain, passwd)
	if err != nil {
		return AuthResult{Outcome: AuthUnhandled, Err: err}
	}
	if !ok {
		return AuthResult{Outcome: AuthInvalid}
	}
	return AuthResult{
		Outcome:  AuthSuccess,
		Identity: &Identity{User: user, Domain: domain, Password: passwd},
	}
}

func base64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
