package parser

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	// Registers non-UTF-8 charsets with go-message.
	_ "github.com/emersion/go-message/charset"
)

type decodedMIME struct {
	text string
	html string
	from string
}

// decodeMIME walks a raw RFC 5322 message and collects its first text/plain
// and text/html parts. Transfer encodings and charsets are decoded by go-message.
func decodeMIME(raw []byte, maxSize int) (decodedMIME, error) {
	var out decodedMIME

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return out, fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	out.from = entity.Header.Get("From")

	walkErr := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				return nil
			}
			return err
		}
		mediaType, params, _ := part.Header.ContentType()
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}
		if mediaType == "" {
			mediaType = "text/plain"
		}
		if disp := part.Header.Get("Content-Disposition"); strings.HasPrefix(strings.ToLower(disp), "attachment") {
			return nil
		}
		if _, named := params["name"]; named && !strings.HasPrefix(mediaType, "text/") {
			return nil
		}
		switch mediaType {
		case "text/plain":
			if out.text != "" {
				return nil
			}
			body, err := readLimited(part.Body, maxSize)
			if err != nil {
				return err
			}
			out.text = body
		case "text/html":
			if out.html != "" {
				return nil
			}
			body, err := readLimited(part.Body, maxSize)
			if err != nil {
				return err
			}
			out.html = body
		}
		return nil
	})
	if walkErr != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformedContent, walkErr)
	}
	return out, nil
}

func readLimited(r io.Reader, maxSize int) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, int64(maxSize)+1))
	if err != nil {
		return "", err
	}
	if len(b) > maxSize {
		return "", ErrContentTooLarge
	}
	return string(b), nil
}
