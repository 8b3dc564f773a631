package tracehttp

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Authorization: Bearer ya29.secret\r\n", "Authorization: Bearer REDACTED\r\n"},
		{`{"access_token": "ya29.x", "expires_in": 3599}`, `{"access_token": "REDACTED", "expires_in": 3599}`},
		{`{"refresh_token":"1//abc"}`, `{"refresh_token":"REDACTED"}`},
		{"grant_type=authorization_code&code=4/xyz&client_secret=s3", "grant_type=authorization_code&code=REDACTED&client_secret=REDACTED"},
		{"GET /profile?alt=json HTTP/1.1", "GET /profile?alt=json HTTP/1.1"},
	}
	for _, tc := range cases {
		if got := string(Redact([]byte(tc.in))); got != tc.want {
			t.Errorf("Redact(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"fresh","token_type":"Bearer"}`)
	}))
	defer srv.Close()

	var trace bytes.Buffer
	c := &http.Client{Transport: Wrap(srv.Client().Transport, &trace)}
	req, err := http.NewRequest("POST", srv.URL+"/token", strings.NewReader("refresh_token=old&grant_type=refresh_token"))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Basic c2VjcmV0")
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if !strings.Contains(string(body), "fresh") {
		t.Errorf("response body = %q, want the real token", body)
	}
	got := trace.String()
	for _, secret := range []string{"c2VjcmV0", "old", "fresh"} {
		if strings.Contains(got, secret) {
			t.Errorf("trace contains %q:\n%s", secret, got)
		}
	}
	if !strings.Contains(got, "POST /token") || !strings.Contains(got, "200 OK") {
		t.Errorf("trace missing request or response:\n%s", got)
	}
}

func TestIMAP(t *testing.T) {
	var out bytes.Buffer
	w := IMAP(&out)
	// Writes split mid-line, as the debug stream does.
	for _, chunk := range []string{
		"* OK Gimap ready\r\n",
		"a1 AUTHENTICATE XOAUTH2 dXNlcj1tZQFhdXRo",
		"PUJlYXJlciB0b2tlbgEB\r\n",
		"a1 OK me@example.com authenticated (Success)\r\n",
		"a2 AUTHENTICATE XOAUTH2\r\n",
		"+ \r\n",
		"dXNlcj1tZQFhdXRoPUJlYXJlciB0b2tlbgEB\r\n",
		"a2 OK\r\n",
		"a3 SELECT INBOX\r\n",
		"partial",
	} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	want := "* OK Gimap ready\r\n" +
		"a1 AUTHENTICATE XOAUTH2 REDACTED\r\n" +
		"a1 OK me@example.com authenticated (Success)\r\n" +
		"a2 AUTHENTICATE XOAUTH2\r\n" +
		"+ \r\n" +
		"REDACTED\n" +
		"a2 OK\r\n" +
		"a3 SELECT INBOX\r\n"
	if got := out.String(); got != want {
		t.Errorf("IMAP transcript = %q, want %q", got, want)
	}
}
