package ingestion

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"path/filepath"
	"strings"

	"github.com/order-intake/backend/internal/storage/models"
	"github.com/order-intake/backend/pkg/formatting"
)

const maxPartDepth = 8

type attachment struct {
	FileName    string
	ContentType string
	Data        []byte
}

func (a attachment) isPDF() bool {
	return a.ContentType == "application/pdf" || strings.EqualFold(filepath.Ext(a.FileName), ".pdf")
}

type parsedEmail struct {
	MessageID   string
	Subject     string
	Body        string
	Attachments []attachment
}

type partCollector struct {
	plain       strings.Builder
	html        strings.Builder
	attachments []attachment
}

var wordDecoder = new(mime.WordDecoder)

func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(decoded)
}

func parseEmail(raw []byte) (*parsedEmail, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty message", models.ErrMalformedRecord)
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedRecord, err)
	}

	c := &partCollector{}
	header := textproto.MIMEHeader(msg.Header)
	if err := c.walk(header, msg.Body, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedRecord, err)
	}

	body := strings.TrimSpace(c.plain.String())
	if body == "" && c.html.Len() > 0 {
		body = formatting.HTMLToText(c.html.String())
	}

	return &parsedEmail{
		MessageID:   strings.Trim(strings.TrimSpace(msg.Header.Get("Message-Id")), "<>"),
		Subject:     decodeHeader(msg.Header.Get("Subject")),
		Body:        body,
		Attachments: c.attachments,
	}, nil
}

func (c *partCollector) walk(header textproto.MIMEHeader, body io.Reader, depth int) error {
	if depth > maxPartDepth {
		return errors.New("multipart nesting too deep")
	}

	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		mediaType, params = "text/plain", map[string]string{}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("%s part without boundary", mediaType)
		}

		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read part: %w", err)
			}
			if err := c.walk(part.Header, part, depth+1); err != nil {
				return err
			}
		}
	}

	data, err := io.ReadAll(decodeTransfer(header.Get("Content-Transfer-Encoding"), body))
	if err != nil {
		return fmt.Errorf("decode %s part: %w", mediaType, err)
	}

	if name := attachmentName(header, params); name != "" || mediaType == "application/pdf" {
		c.attachments = append(c.attachments, attachment{
			FileName:    name,
			ContentType: mediaType,
			Data:        data,
		})
		return nil
	}

	switch mediaType {
	case "text/plain":
		if c.plain.Len() > 0 {
			c.plain.WriteString("\n")
		}
		c.plain.Write(data)
	case "text/html":
		c.html.Write(data)
	}
	return nil
}

// multipart.Reader already strips quoted-printable from parts; the top-level
// body still needs it.
func decodeTransfer(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

func attachmentName(header textproto.MIMEHeader, typeParams map[string]string) string {
	disposition, params, err := mime.ParseMediaType(header.Get("Content-Disposition"))
	if err == nil {
		if name := params["filename"]; name != "" {
			return decodeHeader(name)
		}
		if disposition == "attachment" {
			if name := typeParams["name"]; name != "" {
				return decodeHeader(name)
			}
			return "attachment"
		}
	}
	if name := typeParams["name"]; name != "" {
		return decodeHeader(name)
	}
	return ""
}
