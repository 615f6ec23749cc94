package persona

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
)

type PayloadKind int

const (
	PayloadEmpty PayloadKind = iota
	PayloadText
	PayloadFile
	PayloadImage
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadText:
		return "text"
	case PayloadFile:
		return "file"
	case PayloadImage:
		return "image"
	default:
		return "empty"
	}
}

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".webp": {},
}

// Payload is the content of a follow-up message. File and image payloads
// carry their bytes in Data, or lazily through Fetch.
type Payload struct {
	Kind        PayloadKind
	Text        string
	FileName    string
	ContentType string
	Data        []byte
	Fetch       func(ctx context.Context) ([]byte, error)
}

func TextPayload(text string) Payload {
	if strings.TrimSpace(text) == "" {
		return Payload{Kind: PayloadEmpty}
	}
	return Payload{Kind: PayloadText, Text: text}
}

// AttachmentPayload classifies an attachment as an image or a plain file.
func AttachmentPayload(name, contentType string, fetch func(ctx context.Context) ([]byte, error)) Payload {
	kind := PayloadFile
	if strings.HasPrefix(strings.ToLower(contentType), "image/") {
		kind = PayloadImage
	}
	return Payload{Kind: kind, FileName: name, ContentType: contentType, Fetch: fetch}
}

// Bytes returns the attachment content.
func (p Payload) Bytes(ctx context.Context) ([]byte, error) {
	if p.Data != nil {
		return p.Data, nil
	}
	if p.Fetch == nil {
		return nil, errors.New("attachment content unavailable")
	}
	data, err := p.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment %s: %w", p.FileName, err)
	}
	return data, nil
}

func (p Payload) isImageFile() bool {
	_, ok := imageExtensions[strings.ToLower(path.Ext(p.FileName))]
	return ok
}

// acceptsPrompt reports whether p can become a system prompt.
func (p Payload) acceptsPrompt() bool {
	return p.Kind == PayloadText || p.Kind == PayloadFile
}

// acceptsImage reports whether p can become an avatar. Files qualify when
// their name has an image extension.
func (p Payload) acceptsImage() bool {
	return p.Kind == PayloadImage || (p.Kind == PayloadFile && p.isImageFile())
}

// promptText extracts the prompt from a text or file payload.
func (p Payload) promptText(ctx context.Context) (string, error) {
	if p.Kind == PayloadText {
		return strings.TrimSpace(p.Text), nil
	}
	data, err := p.Bytes(ctx)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("file %s is empty", p.FileName)
	}
	text, err := DecodeText(data)
	if err != nil {
		return "", fmt.Errorf("file %s: %w", p.FileName, err)
	}
	return strings.TrimSpace(text), nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeText decodes uploaded prompt files. UTF-8 is tried first, then GBK.
func DecodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data), nil
	}
	decoded, err := simplifiedchinese.GBK.NewDecoder().Bytes(data)
	if err != nil || !utf8.Valid(decoded) || bytes.ContainsRune(decoded, utf8.RuneError) {
		return "", errors.New("unsupported text encoding (tried UTF-8 and GBK)")
	}
	return string(decoded), nil
}
