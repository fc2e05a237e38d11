package smtpcore

import "testing"

func TestSequencingOK(t *testing.T) {
	cases := []struct {
		verb     string
		heloDone bool
		inData   bool
		ok       bool
		known    bool
	}{
		{"HELO", false, false, true, true},
		{"MAIL", false, false, false, true},
		{"MAIL", true, false, true, true},
		{"RCPT", true, false, true, true},
		{"DATA", true, true, false, true},
		{"NOOP", false, false, true, true},
		{"QUIT", true, true, false, true},
		{"BOGUS", true, false, false, false},
	}

	for _, c := range cases {
		ok, _, known := sequencingOK(c.verb, c.heloDone, c.inData)
		if ok != c.ok || known != c.known {
			t.Errorf("sequencingOK(%q, %v, %v) = (%v, _, %v), want (%v, _, %v)",
				c.verb, c.heloDone, c.inData, ok, known, c.ok, c.known)
		}
	}
}
