// Package email implements the IMAP, POP3, SMTP, Gmail and Outlook adapters
// and the MIME conversion between RFC 5322 messages and canonical messages.
package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"switchboard/internal/channel"
	apperrors "switchboard/pkg/errors"
	"switchboard/pkg/models"
)

const MaxAttachmentBytes = 10 << 20

// Parse converts a raw RFC 5322 message into an inbound canonical message.
// Message ids are stored without angle brackets.
func Parse(accountID string, raw []byte) (*models.CanonicalMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, apperrors.ErrValidation.WithCause(err).WithMessage("failed to parse email")
	}
	defer mr.Close()

	h := mr.Header
	date, err := h.Date()
	if err != nil || date.IsZero() {
		date = time.Now().UTC()
	}

	msg := models.NewInboundMessage(models.ChannelEmail, accountID, date.UTC())
	msg.ExternalID, _ = h.MessageID()
	msg.Subject, _ = h.Subject()

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.SenderIdentifier = strings.ToLower(from[0].Address)
		msg.SenderName = from[0].Name
	}
	for _, key := range []string{"To", "Cc"} {
		if addrs, err := h.AddressList(key); err == nil {
			for _, a := range addrs {
				msg.RecipientIdentifiers = append(msg.RecipientIdentifiers, strings.ToLower(a.Address))
			}
		}
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = ids[0]
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		msg.References = ids
	}

	msg.RawHeaders = make(map[string]string)
	fields := h.Fields()
	for fields.Next() {
		if _, seen := msg.RawHeaders[fields.Key()]; !seen {
			msg.RawHeaders[fields.Key()] = fields.Value()
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return nil, apperrors.ErrValidation.WithCause(err).WithMessage("failed to read email part")
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, apperrors.ErrValidation.WithCause(err).WithMessage("failed to read email body")
			}
			switch ct {
			case "text/plain":
				if msg.ContentText == "" {
					msg.ContentText = string(body)
				}
			case "text/html":
				if msg.ContentHTML == "" {
					msg.ContentHTML = string(body)
				}
			}
		case *mail.AttachmentHeader:
			att, err := readAttachment(ph, part.Body, len(msg.Attachments)+1)
			if err != nil {
				return nil, err
			}
			msg.Attachments = append(msg.Attachments, att)
		}
	}
	return msg, nil
}

func readAttachment(h *mail.AttachmentHeader, body io.Reader, n int) (models.Attachment, error) {
	ct, _, _ := h.ContentType()
	name, _ := h.Filename()
	if name == "" {
		ext := "bin"
		if idx := strings.Index(ct, "/"); idx >= 0 && idx < len(ct)-1 {
			ext = ct[idx+1:]
		}
		name = fmt.Sprintf("attachment-%d.%s", n, ext)
	}

	content, err := io.ReadAll(io.LimitReader(body, MaxAttachmentBytes+1))
	if err != nil {
		return models.Attachment{}, apperrors.ErrValidation.WithCause(err).WithMessage("failed to read attachment")
	}
	size := int64(len(content))
	if size > MaxAttachmentBytes {
		rest, _ := io.Copy(io.Discard, body)
		size += rest
		content = nil
	}
	return models.Attachment{Filename: name, MimeType: ct, SizeBytes: size, Content: content}, nil
}

// Compose renders req as an RFC 5322 message from sender. It returns the
// bytes and the generated Message-ID without angle brackets.
func Compose(from string, req channel.SendRequest) ([]byte, string, error) {
	if !req.HasBody() {
		return nil, "", apperrors.ErrSend.WithMessage("email requires a text or html body")
	}
	if len(req.Recipients) == 0 {
		return nil, "", apperrors.ErrValidation.WithMessage("at least one recipient is required")
	}

	sender, err := mail.ParseAddress(from)
	if err != nil {
		return nil, "", apperrors.ErrConfiguration.WithCause(err).WithMessage("invalid sender address")
	}
	to := make([]*mail.Address, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		addr, err := mail.ParseAddress(r)
		if err != nil {
			return nil, "", apperrors.ErrValidation.WithCause(err).WithMessage(fmt.Sprintf("invalid recipient %q", r))
		}
		to = append(to, addr)
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{sender})
	h.SetAddressList("To", to)
	h.SetSubject(req.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", apperrors.ErrInternal.WithCause(err)
	}
	if v := req.StringOption("in_reply_to"); v != "" {
		h.SetMsgIDList("In-Reply-To", []string{strings.Trim(v, "<>")})
	}
	if refs, ok := req.Options["references"].([]string); ok && len(refs) > 0 {
		clean := make([]string, len(refs))
		for i, r := range refs {
			clean[i] = strings.Trim(r, "<>")
		}
		h.SetMsgIDList("References", clean)
	}
	id, _ := h.MessageID()

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", apperrors.ErrInternal.WithCause(err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, "", apperrors.ErrInternal.WithCause(err)
	}
	if req.TextBody != "" {
		if err := writeInline(tw, "text/plain", req.TextBody); err != nil {
			return nil, "", err
		}
	}
	if req.HTMLBody != "" {
		if err := writeInline(tw, "text/html", req.HTMLBody); err != nil {
			return nil, "", err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, "", apperrors.ErrInternal.WithCause(err)
	}

	for _, att := range req.Attachments {
		if att.Content == nil {
			continue
		}
		var ah mail.AttachmentHeader
		ct := att.MimeType
		if ct == "" || !strings.Contains(ct, "/") {
			ct = "application/octet-stream"
		}
		ah.SetContentType(ct, nil)
		ah.SetFilename(att.Filename)
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, "", apperrors.ErrInternal.WithCause(err)
		}
		if _, err := w.Write(att.Content); err != nil {
			return nil, "", apperrors.ErrInternal.WithCause(err)
		}
		if err := w.Close(); err != nil {
			return nil, "", apperrors.ErrInternal.WithCause(err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", apperrors.ErrInternal.WithCause(err)
	}
	return buf.Bytes(), id, nil
}

func writeInline(tw *mail.InlineWriter, contentType, body string) error {
	var ih mail.InlineHeader
	ih.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ih)
	if err != nil {
		return apperrors.ErrInternal.WithCause(err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return apperrors.ErrInternal.WithCause(err)
	}
	return w.Close()
}

// outboundMessage builds the canonical record for a message sent from sender.
func outboundMessage(accountID, sender, messageID string, req channel.SendRequest) *models.CanonicalMessage {
	msg := models.NewOutboundMessage(models.ChannelEmail, accountID)
	msg.SenderIdentifier = sender
	msg.RecipientIdentifiers = append([]string(nil), req.Recipients...)
	msg.Subject = req.Subject
	msg.ContentText = req.TextBody
	msg.ContentHTML = req.HTMLBody
	msg.Attachments = req.Attachments
	msg.InReplyTo = strings.Trim(req.StringOption("in_reply_to"), "<>")
	if refs, ok := req.Options["references"].([]string); ok {
		msg.References = refs
	}
	msg.SetExternalID(messageID)
	return msg
}
