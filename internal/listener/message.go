package listener

import (
	"fmt"
	"io"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // non-UTF-8 portals: ISO-2022-JP, TIS-620, windows-125x
	"github.com/emersion/go-message/mail"
	log "github.com/sirupsen/logrus"
)

const maxPartDepth = 10

// decodeMessage turns a raw RFC 822 literal into a Message, decoding
// transfer encodings and charsets and flattening the MIME tree to the
// first text/plain and text/html parts.
func decodeMessage(uid uint32, lit io.Reader) (Message, error) {
	entity, err := message.Read(lit)
	if err != nil && !message.IsUnknownCharset(err) {
		return Message{}, fmt.Errorf("reading entity: %w", err)
	}

	msg := Message{UID: uid}

	header := mail.Header{Header: entity.Header}
	if subject, err := header.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = entity.Header.Get("Subject")
	}
	msg.ContentLanguage = entity.Header.Get("Content-Language")

	collectParts(entity, &msg, 0)
	return msg, nil
}

func collectParts(entity *message.Entity, msg *Message, depth int) {
	if depth > maxPartDepth {
		return
	}
	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !message.IsUnknownCharset(err) {
				log.WithFields(log.Fields{"uid": msg.UID, "error": err}).Debug("listener: truncated multipart")
				break
			}
			collectParts(part, msg, depth+1)
		}
		return
	}

	ctype, _, err := entity.Header.ContentType()
	if err != nil || ctype == "" {
		ctype = "text/plain"
	}
	switch ctype {
	case "text/plain":
		if msg.TextBody == "" {
			msg.TextBody = readPart(entity.Body, msg.UID)
		}
	case "text/html":
		if msg.HTMLBody == "" {
			msg.HTMLBody = readPart(entity.Body, msg.UID)
		}
	}
	if msg.ContentLanguage == "" {
		if lang := entity.Header.Get("Content-Language"); lang != "" {
			msg.ContentLanguage = lang
		}
	}
}

func readPart(r io.Reader, uid uint32) string {
	b, err := io.ReadAll(r)
	if err != nil {
		log.WithFields(log.Fields{"uid": uid, "error": err}).Debug("listener: short body read")
	}
	return string(b)
}
