// Package parser turns RFC 5322 messages received by the sink into
// email.Email values, including MIME multipart bodies and attachments.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"go.uber.org/zap"

	"github.com/shineum/socket-mail-relay/internal/email"
)

var wordDecoder = new(mime.WordDecoder)

// Parse parses a raw message.
func Parse(raw []byte) (*email.Email, error) {
	return ParseReader(bytes.NewReader(raw))
}

// ParseReader parses a message read from r. Unrecognized MIME parts are
// logged and skipped.
func ParseReader(r io.Reader) (*email.Email, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Email{
		RawHeaders: make(map[string][]string, len(msg.Header)),
		From:       decodeHeader(msg.Header.Get("From")),
		Subject:    decodeHeader(msg.Header.Get("Subject")),
		MessageID:  msg.Header.Get("Message-Id"),
		To:         parseAddressList(msg.Header.Get("To")),
		Cc:         parseAddressList(msg.Header.Get("Cc")),
		Bcc:        parseAddressList(msg.Header.Get("Bcc")),
	}
	for key, values := range msg.Header {
		result.RawHeaders[key] = values
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	encoding := msg.Header.Get("Content-Transfer-Encoding")

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		zap.S().Warnw("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, err := decodeBody(msg.Body, encoding)
		if err != nil {
			return nil, fmt.Errorf("failed to read message body: %w", err)
		}
		result.TextBody = string(body)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := decodeBody(msg.Body, encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	switch mediaType {
	case "text/html":
		result.HTMLBody = string(body)
	case "text/plain":
		result.TextBody = string(body)
	default:
		zap.S().Warnw("unrecognized top-level content type", "content_type", mediaType)
		result.TextBody = string(body)
	}
	return result, nil
}

func parseMultipart(body io.Reader, boundary string, result *email.Email) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			zap.S().Warnw("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				zap.S().Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nested, result); err != nil {
				zap.S().Warnw("failed to parse nested multipart", "error", err)
			}
			continue
		}

		// The multipart reader already strips quoted-printable, so only
		// base64 is left to undo here.
		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			zap.S().Warnw("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		disposition := part.Header.Get("Content-Disposition")
		if strings.HasPrefix(disposition, "attachment") {
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename(part, mediaType, params),
				ContentType: mediaType,
				Content:     content,
			})
			continue
		}

		switch {
		case mediaType == "text/plain" && result.TextBody == "":
			result.TextBody = string(content)
		case mediaType == "text/html" && result.HTMLBody == "":
			result.HTMLBody = string(content)
		case mediaType != "text/plain" && mediaType != "text/html" && hasName(part, params):
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename(part, mediaType, params),
				ContentType: mediaType,
				Content:     content,
			})
		default:
			zap.S().Warnw("unrecognized MIME part, skipping",
				"content_type", mediaType,
				"disposition", disposition,
			)
		}
	}
}

// decodeBody reads r and undoes the given Content-Transfer-Encoding.
// 7bit, 8bit, binary and unknown encodings are returned as read.
func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	case "base64":
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		cleaned := strings.NewReplacer("\r", "", "\n", "", " ", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	default:
		return io.ReadAll(r)
	}
}

func hasName(part *multipart.Part, params map[string]string) bool {
	return part.FileName() != "" || params["name"] != ""
}

// filename prefers Content-Disposition, then the Content-Type name
// parameter, then a name derived from the media type.
func filename(part *multipart.Part, mediaType string, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	if name := params["name"]; name != "" {
		return name
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// parseAddressList returns the bare addresses of a header list. Lists that
// are not valid RFC 5322 fall back to a comma split.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		return email.CleanAddresses(strings.Split(raw, ","))
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
