// Package parser provides RFC 5322 email message parsing with MIME multipart support.
package parser

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/shineum/mailcoach-relay/internal/email"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// Parse parses a raw RFC 5322 message. Headers keep their original order
// and case. A multipart message contributes its leaf parts as children,
// flattening nested multiparts; a single-part message keeps its body at the
// top level.
func Parse(raw []byte) (*email.Email, error) {
	headers, err := readHeaders(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse headers: %w", err)
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := email.New(decodeWords(msg.Header.Get("Subject")))
	for _, h := range headers {
		result.AddHeader(h.Name, h.Value)
	}
	result.SetMessageID(strings.TrimSpace(msg.Header.Get("Message-Id")))

	for _, a := range parseAddressList(msg.Header.Get("From")) {
		result.AddFrom(a.Email, a.Name)
	}
	for _, a := range parseAddressList(msg.Header.Get("To")) {
		result.AddTo(a.Email, a.Name)
	}
	for _, a := range parseAddressList(msg.Header.Get("Cc")) {
		result.AddCc(a.Email, a.Name)
	}
	for _, a := range parseAddressList(msg.Header.Get("Bcc")) {
		result.AddBcc(a.Email, a.Name)
	}
	for _, a := range parseAddressList(msg.Header.Get("Reply-To")) {
		result.AddReplyTo(a.Email, a.Name)
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.SetBody(string(body), "text/plain")
		return result, nil
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return nil, fmt.Errorf("failed to read message body: %w", err)
		}
		if strings.HasPrefix(mediaType, "text/") {
			body = toUTF8(body, params["charset"])
		}
		result.SetBody(string(body), mediaType)
		return result, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("multipart message missing boundary")
	}
	result.SetContentType(mediaType)
	if err := parseMultipart(msg.Body, boundary, result); err != nil {
		return nil, fmt.Errorf("failed to parse multipart message: %w", err)
	}

	return result, nil
}

// readHeaders reads the header block in order, unfolding continuation
// lines and decoding RFC 2047 encoded words.
func readHeaders(raw []byte) ([]email.Header, error) {
	reader := bufio.NewReader(bytes.NewReader(raw))

	var headers []email.Header
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}

		if trimmed[0] == ' ' || trimmed[0] == '\t' {
			if len(headers) == 0 {
				return nil, fmt.Errorf("continuation line before first header")
			}
			// Unfolding removes only the line break; the leading
			// whitespace belongs to the value.
			last := &headers[len(headers)-1]
			last.Value += trimmed
		} else {
			name, value, ok := strings.Cut(trimmed, ":")
			if !ok {
				return nil, fmt.Errorf("malformed header line %q", trimmed)
			}
			headers = append(headers, email.Header{
				Name:  strings.TrimSpace(name),
				Value: strings.TrimSpace(value),
			})
		}

		if err == io.EOF {
			break
		}
	}

	for i := range headers {
		headers[i].Value = decodeWords(headers[i].Value)
	}
	return headers, nil
}

// parseMultipart appends the leaf parts of a multipart body to result.
func parseMultipart(body io.Reader, boundary string, result *email.Email) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
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
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nestedBoundary, result); err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		content, err := readPartContent(part)
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		disposition, filename := partDisposition(part, mediaType, params)
		if disposition == "" {
			content = toUTF8(content, params["charset"])
		}
		result.AddChild(email.Part{
			ContentType: mediaType,
			Body:        content,
			Filename:    filename,
			Disposition: disposition,
		})
	}

	return nil
}

// partDisposition decides whether a part is an attachment. Text parts
// without a filename are body alternatives; everything else is a file,
// named from its headers or after its media type.
func partDisposition(part *multipart.Part, mediaType string, params map[string]string) (disposition, filename string) {
	disposition, dispParams, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil {
		disposition = ""
	}

	filename = decodeWords(dispParams["filename"])
	if filename == "" {
		filename = decodeWords(params["name"])
	}

	isBody := (mediaType == "text/plain" || mediaType == "text/html") &&
		disposition != email.DispositionAttachment && filename == ""
	if isBody {
		return "", ""
	}

	if filename == "" {
		filename = fallbackFilename(mediaType)
	}
	if disposition != email.DispositionInline {
		disposition = email.DispositionAttachment
	}
	return disposition, filename
}

func fallbackFilename(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

// readPartContent reads the full content of a MIME part. The multipart
// reader already strips quoted-printable; base64 is decoded here.
func readPartContent(part *multipart.Part) ([]byte, error) {
	return decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
}

func decodeBody(r io.Reader, transferEncoding string) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		cleaned := strings.NewReplacer("\r", "", "\n", "", " ", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode quoted-printable content: %w", err)
		}
		return decoded, nil
	default:
		return raw, nil
	}
}

// parseAddressList parses an address header, falling back to a comma split
// with bare addresses when the header is not RFC 5322 compliant.
func parseAddressList(raw string) []email.Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parser := mail.AddressParser{WordDecoder: wordDecoder}
	addresses, err := parser.ParseList(raw)
	if err != nil {
		var result []email.Address
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, email.Address{Email: trimmed})
			}
		}
		return result
	}

	result := make([]email.Address, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, email.Address{Email: addr.Address, Name: addr.Name})
	}
	return result
}

func decodeWords(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

