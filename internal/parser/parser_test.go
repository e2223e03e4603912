package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(l ...string) []byte {
	return []byte(strings.Join(l, "\r\n"))
}

func TestParsePlainText(t *testing.T) {
	t.Parallel()

	msg, err := Parse(lines(
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Test Subject",
		"Message-Id: <test123@example.com>",
		"Content-Type: text/plain",
		"",
		"Hello, this is a plain text email.",
	))
	require.NoError(t, err)

	assert.Equal(t, "sender@example.com", msg.From)
	assert.Equal(t, []string{"recipient@example.com"}, msg.To)
	assert.Equal(t, "Test Subject", msg.Subject)
	assert.Equal(t, "<test123@example.com>", msg.MessageID)
	assert.Equal(t, "Hello, this is a plain text email.", msg.TextBody)
	assert.Empty(t, msg.HTMLBody)
	assert.Empty(t, msg.Attachments)
}

func TestParseTopLevelTransferEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		encoding string
		body     string
		want     string
	}{
		{name: "quoted-printable soft break", encoding: "quoted-printable", body: "hello =\r\nworld =C3=A9", want: "hello world é"},
		{name: "base64", encoding: "base64", body: "aGVsbG8=", want: "hello"},
		{name: "7bit", encoding: "7bit", body: "as is", want: "as is"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, err := Parse(lines(
				"From: sender@example.com",
				"To: recipient@example.com",
				"Content-Type: text/plain; charset=UTF-8",
				"Content-Transfer-Encoding: "+tt.encoding,
				"",
				tt.body,
			))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.TextBody)
		})
	}
}

func TestParseEncodedSubject(t *testing.T) {
	t.Parallel()

	msg, err := Parse(lines(
		"From: =?UTF-8?q?Relay_Sender?= <relay@example.com>",
		"To: recipient@example.com",
		"Subject: =?UTF-8?q?Gr=C3=BC=C3=9Fe?=",
		"",
		"body",
	))
	require.NoError(t, err)

	assert.Equal(t, "Grüße", msg.Subject)
	assert.Equal(t, "Relay Sender <relay@example.com>", msg.From)
}

func TestParseMultipartTextAndHTML(t *testing.T) {
	t.Parallel()

	msg, err := Parse(lines(
		"From: sender@example.com",
		"To: alice@example.com, bob@example.com",
		"Cc: carol@example.com",
		"Subject: Multipart Test",
		"Content-Type: multipart/alternative; boundary=boundary123",
		"",
		"--boundary123",
		"Content-Type: text/plain",
		"",
		"Plain text body",
		"--boundary123",
		"Content-Type: text/html",
		"",
		"<html><body><p>HTML body</p></body></html>",
		"--boundary123--",
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, msg.To)
	assert.Equal(t, []string{"carol@example.com"}, msg.Cc)
	assert.Equal(t, "Plain text body", msg.TextBody)
	assert.Equal(t, "<html><body><p>HTML body</p></body></html>", msg.HTMLBody)
}

func TestParseAttachments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		raw          []byte
		wantFilename string
		wantType     string
	}{
		{
			name: "named base64",
			raw: lines(
				"From: sender@example.com",
				"To: recipient@example.com",
				"Content-Type: multipart/mixed; boundary=mixed",
				"",
				"--mixed",
				"Content-Type: text/plain",
				"",
				"Email body text",
				"--mixed",
				`Content-Type: application/pdf; name="report.pdf"`,
				`Content-Disposition: attachment; filename="report.pdf"`,
				"Content-Transfer-Encoding: base64",
				"",
				"SGVsbG8gV29ybGQ=",
				"--mixed--",
			),
			wantFilename: "report.pdf",
			wantType:     "application/pdf",
		},
		{
			name: "base64 split over lines",
			raw: []byte("From: sender@example.com\r\n" +
				"Content-Type: multipart/mixed; boundary=bound\r\n" +
				"\r\n" +
				"--bound\r\n" +
				"Content-Type: text/plain\r\n" +
				"\r\n" +
				"Email body text\r\n" +
				"--bound\r\n" +
				"Content-Type: application/pdf; name=\"file.pdf\"\r\n" +
				"Content-Disposition: attachment; filename=\"file.pdf\"\r\n" +
				"Content-Transfer-Encoding: base64\r\n" +
				"\r\n" +
				"SGVs\r\nbG8g\r\nV29y\r\nbGQ=\r\n" +
				"--bound--\r\n"),
			wantFilename: "file.pdf",
			wantType:     "application/pdf",
		},
		{
			name: "no filename",
			raw: lines(
				"From: sender@example.com",
				"Content-Type: multipart/mixed; boundary=bound",
				"",
				"--bound",
				"Content-Type: text/plain",
				"",
				"Email body text",
				"--bound",
				"Content-Type: application/pdf",
				"Content-Disposition: attachment",
				"Content-Transfer-Encoding: base64",
				"",
				"SGVsbG8gV29ybGQ=",
				"--bound--",
			),
			wantFilename: "attachment.pdf",
			wantType:     "application/pdf",
		},
		{
			name: "inline part with name",
			raw: lines(
				"From: sender@example.com",
				"Content-Type: multipart/mixed; boundary=bound",
				"",
				"--bound",
				"Content-Type: text/plain",
				"",
				"Email body text",
				"--bound",
				`Content-Type: image/png; name="logo.png"`,
				"Content-Transfer-Encoding: base64",
				"",
				"SGVsbG8gV29ybGQ=",
				"--bound--",
			),
			wantFilename: "logo.png",
			wantType:     "image/png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, err := Parse(tt.raw)
			require.NoError(t, err)

			assert.Equal(t, "Email body text", msg.TextBody)
			require.Len(t, msg.Attachments, 1)
			att := msg.Attachments[0]
			assert.Equal(t, tt.wantFilename, att.Filename)
			assert.Equal(t, tt.wantType, att.ContentType)
			assert.Equal(t, "Hello World", string(att.Content))
		})
	}
}

func TestParseNestedMultipart(t *testing.T) {
	t.Parallel()

	msg, err := Parse(lines(
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Nested Multipart",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"Plain text part",
		"--inner",
		"Content-Type: text/html",
		"",
		"<p>HTML part</p>",
		"--inner--",
		"--outer",
		`Content-Type: application/octet-stream; name="data.bin"`,
		`Content-Disposition: attachment; filename="data.bin"`,
		"",
		"binarydata",
		"--outer--",
	))
	require.NoError(t, err)

	assert.Equal(t, "Plain text part", msg.TextBody)
	assert.Equal(t, "<p>HTML part</p>", msg.HTMLBody)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "data.bin", msg.Attachments[0].Filename)
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	t.Run("not a message", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte("not a valid email at all\x00\x01\x02"))
		assert.Error(t, err)
	})

	t.Run("missing content type defaults to text/plain", func(t *testing.T) {
		t.Parallel()
		msg, err := Parse(lines(
			"From: sender@example.com",
			"To: recipient@example.com",
			"",
			"Body without content type header",
		))
		require.NoError(t, err)
		assert.Equal(t, "Body without content type header", msg.TextBody)
	})

	t.Run("multipart missing boundary", func(t *testing.T) {
		t.Parallel()
		_, err := Parse(lines(
			"From: sender@example.com",
			"Content-Type: multipart/mixed",
			"",
			"some body",
		))
		assert.Error(t, err)
	})
}

func TestParseAddressFields(t *testing.T) {
	t.Parallel()

	msg, err := Parse(lines(
		"From: sender@example.com",
		"To: Alice <alice@example.com>, bob@example.com, carol@example.com",
		"Bcc: secret@example.com",
		"X-Custom-Header: custom-value",
		"",
		"Hello everyone",
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"alice@example.com", "bob@example.com", "carol@example.com"}, msg.To)
	assert.Equal(t, []string{"secret@example.com"}, msg.Bcc)
	assert.Nil(t, msg.Cc)
	assert.Equal(t, []string{"custom-value"}, msg.RawHeaders["X-Custom-Header"])
	assert.Len(t, msg.Recipients(), 4)
}

func TestParseAddressListFallback(t *testing.T) {
	t.Parallel()

	assert.Nil(t, parseAddressList(""))
	assert.Equal(t, []string{"not an address", "also@bad@"}, parseAddressList("not an address, , also@bad@"))
}
