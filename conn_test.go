package smtpcore

import (
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"
)

// newTestDispatcher wires a Dispatcher over one end of a net.Pipe, running
// Serve in the background; the caller drives the other end with a
// textproto.Conn, mirroring the teacher's conn_test.go style of talking to
// the Conn over a raw pipe instead of a real listener.
func newTestDispatcher(t *testing.T, h Handler, mode SocketMode) (*textproto.Conn, *Dispatcher) {
	return newTestDispatcherAuth(t, h, mode, nil)
}

func newTestDispatcherAuth(t *testing.T, h Handler, mode SocketMode, authr Authenticator) (*textproto.Conn, *Dispatcher) {
	t.Helper()
	server, client := net.Pipe()

	d := &Dispatcher{
		hostname:        "mx.test",
		maxDataSize:     1024 * 1024,
		idleTimeout:     5 * time.Second,
		handler:         h,
		authr:           authr,
		authMaxAttempts: 3,
		mode:            mode,
		conn:            server,
		proto:           SMTP,
		session:         &Session{Proto: SMTP, Mode: mode},
	}
	if mode.LMTP {
		d.proto = LMTP
		d.session.Proto = LMTP
	}

	go d.Serve()

	tc := textproto.NewConn(client)
	t.Cleanup(func() { tc.Close() })
	return tc, d
}

func expectCode(t *testing.T, tc *textproto.Conn, want int) string {
	t.Helper()
	_, msg, err := tc.ReadResponse(want)
	if err != nil {
		t.Fatalf("ReadResponse(%d): %v", want, err)
	}
	return msg
}

func TestDispatcherGreeting(t *testing.T) {
	tc, _ := newTestDispatcher(t, nil, ModeSMTP)
	expectCode(t, tc, 220)
}

func TestDispatcherCrossProtocolGuard(t *testing.T) {
	tc, _ := newTestDispatcher(t, nil, ModeSMTP)
	expectCode(t, tc, 220)

	if err := tc.PrintfLine("GET / HTTP/1.1"); err != nil {
		t.Fatalf("PrintfLine: %v", err)
	}
	expectCode(t, tc, 502)

	// The connection is closed after the guard fires.
	if err := tc.PrintfLine("NOOP"); err == nil {
		if _, _, err := tc.ReadResponse(250); err == nil {
			t.Fatalf("expected connection to be closed after cross-protocol probe")
		}
	}
}

func TestDispatcherLHLORejectedOnSMTP(t *testing.T) {
	tc, _ := newTestDispatcher(t, nil, ModeSMTP)
	expectCode(t, tc, 220)

	tc.PrintfLine("LHLO client.example.org")
	expectCode(t, tc, 500)
}

func TestDispatcherHELORejectedOnLMTP(t *testing.T) {
	tc, _ := newTestDispatcher(t, nil, ModeLMTP)
	expectCode(t, tc, 220)

	tc.PrintfLine("HELO client.example.org")
	expectCode(t, tc, 500)
}

func TestDispatcherBadSequence(t *testing.T) {
	tc, _ := newTestDispatcher(t, nil, ModeSMTP)
	expectCode(t, tc, 220)

	tc.PrintfLine("MAIL FROM:<a@example.org>")
	expectCode(t, tc, 503)
}

func TestDispatcherTooManyErrorsDisconnects(t *testing.T) {
	tc, _ := newTestDispatcher(t, nil, ModeSMTP)
	expectCode(t, tc, 220)

	for i := 0; i < 2; i++ {
		tc.PrintfLine("BOGUS")
		expectCode(t, tc, 500)
	}

	tc.PrintfLine("BOGUS")
	expectCode(t, tc, 421)
}

func TestDispatcherAuthAbort(t *testing.T) {
	authr := &fakeAuthr{valid: map[string]string{"alice@example.com": "hunter2"}}
	h := &authHandler{}
	tc, _ := newTestDispatcherAuth(t, h, ModeSMTP, authr)
	expectCode(t, tc, 220)

	tc.PrintfLine("EHLO client.example.org")
	expectCode(t, tc, 250)

	tc.PrintfLine("AUTH LOGIN")
	expectCode(t, tc, 334)

	tc.PrintfLine("*")
	expectCode(t, tc, 501)
}

type authHandler struct {
	BaseHandler
}

func TestDispatcherAuthMaxAttempts(t *testing.T) {
	authr := &fakeAuthr{valid: map[string]string{"alice@example.com": "hunter2"}}
	tc, d := newTestDispatcherAuth(t, &authHandler{}, ModeSMTP, authr)
	d.authMaxAttempts = 1
	expectCode(t, tc, 220)

	tc.PrintfLine("EHLO client.example.org")
	expectCode(t, tc, 250)

	tc.PrintfLine("AUTH PLAIN %s", base64Encode(plainResponse("", "alice@example.com", "wrong")))
	expectCode(t, tc, 421)
}

func TestDispatcherAuthMechanismsPrecedence(t *testing.T) {
	h := &mechOverrideHandler{}
	tc, _ := newTestDispatcherAuth(t, h, ModeSMTP, &fakeAuthr{})

	expectCode(t, tc, 220)
	tc.PrintfLine("EHLO client.example.org")
	msg := expectCode(t, tc, 250)
	if !strings.Contains(msg, "AUTH") || !strings.Contains(msg, "CUSTOM") {
		t.Errorf("EHLO response = %q, want it to advertise CUSTOM mechanism", msg)
	}
}

type mechOverrideHandler struct {
	BaseHandler
}

func (mechOverrideHandler) Mechanisms() map[string]MechanismFactory {
	return map[string]MechanismFactory{
		"CUSTOM": func() Mechanism { return &loginMechanism{} },
	}
}
