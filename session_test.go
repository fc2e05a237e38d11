package smtpcore

import "testing"

func TestProtoString(t *testing.T) {
	if SMTP.String() != "SMTP" {
		t.Errorf("SMTP.String() = %q, want SMTP", SMTP.String())
	}
	if LMTP.String() != "LMTP" {
		t.Errorf("LMTP.String() = %q, want LMTP", LMTP.String())
	}
}

func TestSocketModeString(t *testing.T) {
	cases := []struct {
		mode SocketMode
		want string
	}{
		{ModeSMTP, "SMTP"},
		{ModeSubmission, "submission"},
		{ModeSubmissionTLS, "submission+TLS"},
		{ModeLMTP, "LMTP"},
	}
	for _, c := range cases {
		if got := c.mode.String(); got != c.want {
			t.Errorf("%+v.String() = %q, want %q", c.mode, got, c.want)
		}
	}
}

func TestEnvelopeReset(t *testing.T) {
	e := &Envelope{
		MailFrom:        "from@example.com",
		MailOptions:     []MailOption{{Name: "SIZE", Value: "100"}},
		RcptTos:         []string{"to@example.com"},
		RcptOptions:     [][]MailOption{nil},
		Content:         []byte("hello"),
		OriginalContent: []byte("hello"),
	}
	e.reset()

	if e.MailFrom != "" || e.RcptTos != nil || e.Content != nil || e.OriginalContent != nil {
		t.Errorf("reset did not clear envelope: %+v", e)
	}
}
