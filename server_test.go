package smtpcore

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"os"
	"testing"
	"time"

	"github.com/mailcore/smtpcore/internal/authtest"
	"github.com/mailcore/smtpcore/internal/testlib"
)

// testHandler accepts every sender/recipient and records delivered messages,
// grounded on the kind of permissive reference handler the teacher's
// server_test.go wires up via aliases/userdb/courier stand-ins.
type testHandler struct {
	BaseHandler
	delivered []Envelope
}

func (h *testHandler) HandleRCPT(_ *Session, _ *Envelope, addr string, _ []MailOption) Result {
	if addr == "bounce@nowhere.invalid" {
		return Statusf(550, "5.1.1 no such user")
	}
	return Result{}
}

func (h *testHandler) HandleDATA(_ *Session, env *Envelope) Result {
	h.delivered = append(h.delivered, *env)
	return Result{}
}

var (
	smtpAddr       string
	submissionAddr string
	tlsClientConfig *tls.Config
	handler         *testHandler
)

func TestMain(m *testing.M) {
	os.Exit(realMain(m))
}

func realMain(m *testing.M) int {
	dir, err := os.MkdirTemp("", "testlib_smtpcore_server_")
	if err != nil {
		fmt.Printf("MkdirTemp: %v\n", err)
		return 1
	}
	defer os.RemoveAll(dir)

	cliCfg, err := testlib.GenerateCert(dir)
	if err != nil {
		fmt.Printf("GenerateCert: %v\n", err)
		return 1
	}
	tlsClientConfig = cliCfg

	authr := authtest.New()
	if err := authr.AddUser("testuser", "localhost", "testpasswd"); err != nil {
		fmt.Printf("AddUser: %v\n", err)
		return 1
	}

	handler = &testHandler{}

	smtpAddr = testlib.GetFreePort()
	submissionAddr = testlib.GetFreePort()

	s := NewServer()
	s.Hostname = "localhost"
	s.MaxDataSize = 50 * 1024 * 1024
	s.Handler = handler
	s.Authenticator = authr
	if err := s.AddCerts(dir+"/cert.pem", dir+"/key.pem"); err != nil {
		fmt.Printf("AddCerts: %v\n", err)
		return 1
	}
	s.AddAddr(smtpAddr, ModeSMTP)
	s.AddAddr(submissionAddr, ModeSubmission)

	go s.ListenAndServe()

	if !testlib.WaitFor(func() bool { return dial(smtpAddr) }, 10*time.Second) {
		fmt.Println("server did not come up on smtpAddr")
		return 1
	}
	if !testlib.WaitFor(func() bool { return dial(submissionAddr) }, 10*time.Second) {
		fmt.Println("server did not come up on submissionAddr")
		return 1
	}

	return m.Run()
}

func dial(addr string) bool {
	c, err := smtp.Dial(addr)
	if err != nil {
		return false
	}
	c.Close()
	return true
}

func mustDial(t *testing.T, addr string, useTLS bool) *smtp.Client {
	c, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("smtp.Dial: %v", err)
	}
	if err := c.Hello("client.example.org"); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if useTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			t.Fatalf("STARTTLS not advertised")
		}
		if err := c.StartTLS(tlsClientConfig); err != nil {
			t.Fatalf("StartTLS: %v", err)
		}
	}
	return c
}

func sendEmail(t *testing.T, c *smtp.Client, from string, auth smtp.Auth) {
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			t.Fatalf("Auth: %v", err)
		}
	}
	if err := c.Mail(from); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := c.Rcpt("rcpt@localhost"); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	w, err := c.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if _, err := w.Write([]byte("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("Data write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Data close: %v", err)
	}
}

func TestSimpleDelivery(t *testing.T) {
	c := mustDial(t, smtpAddr, true)
	defer c.Close()
	sendEmail(t, c, "from@example.org", nil)
}

func TestSubmissionRequiresAuth(t *testing.T) {
	c := mustDial(t, submissionAddr, true)
	defer c.Close()

	if err := c.Mail("from@example.org"); err == nil {
		t.Fatalf("MAIL on submission port without AUTH should fail")
	}
}

func TestSubmissionWithAuth(t *testing.T) {
	c := mustDial(t, submissionAddr, true)
	defer c.Close()

	auth := smtp.PlainAuth("", "testuser@localhost", "testpasswd", "127.0.0.1")
	sendEmail(t, c, "from@example.org", auth)
}

func TestBadAuth(t *testing.T) {
	c := mustDial(t, submissionAddr, true)
	defer c.Close()

	auth := smtp.PlainAuth("", "testuser@localhost", "wrongpassword", "127.0.0.1")
	if err := c.Auth(auth); err == nil {
		t.Fatalf("Auth with wrong password should fail")
	}
}

func TestRejectedRecipient(t *testing.T) {
	c := mustDial(t, smtpAddr, false)
	defer c.Close()

	if err := c.Mail("from@example.org"); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := c.Rcpt("bounce@nowhere.invalid"); err == nil {
		t.Fatalf("Rcpt to rejected address should fail")
	}
}

func TestRepeatedStartTLS(t *testing.T) {
	c, err := smtp.Dial(smtpAddr)
	if err != nil {
		t.Fatalf("smtp.Dial: %v", err)
	}
	defer c.Close()

	if err := c.StartTLS(tlsClientConfig); err != nil {
		t.Fatalf("StartTLS: %v", err)
	}
	if err := c.StartTLS(tlsClientConfig); err == nil {
		t.Fatalf("second StartTLS should fail")
	}
}

func TestSimpleCommands(t *testing.T) {
	c := mustDial(t, smtpAddr, false)
	defer c.Close()

	simpleCmd(t, c, "NOOP", 250)
	simpleCmd(t, c, "HELP", 214)
	simpleCmd(t, c, "VRFY foo", 252)
	simpleCmd(t, c, "EXPN foo", 252)
}

func simpleCmd(t *testing.T, c *smtp.Client, cmd string, expected int) {
	if err := c.Text.PrintfLine("%s", cmd); err != nil {
		t.Fatalf("write %s: %v", cmd, err)
	}
	if _, _, err := c.Text.ReadResponse(expected); err != nil {
		t.Errorf("%s: %v", cmd, err)
	}
}
