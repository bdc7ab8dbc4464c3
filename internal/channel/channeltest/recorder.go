// Package channeltest provides in-process adapters for tests of code that
// sends through the channel contract.
package channeltest

import (
	"context"
	"sync"
	"time"

	"switchboard/internal/channel"
	"switchboard/pkg/models"
)

// Recorder is an OutboundAdapter that records every request. Set Err to make
// sends fail.
type Recorder struct {
	Channel   models.ChannelType
	AccountID string
	Err       error

	mu       sync.Mutex
	requests []channel.SendRequest
}

func NewRecorder(channelType models.ChannelType, accountID string) *Recorder {
	return &Recorder{Channel: channelType, AccountID: accountID}
}

func (r *Recorder) Send(_ context.Context, req channel.SendRequest) (*models.CanonicalMessage, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	err := r.Err
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	msg := models.NewOutboundMessage(r.Channel, r.AccountID)
	msg.RecipientIdentifiers = append([]string(nil), req.Recipients...)
	msg.Subject = req.Subject
	msg.ContentText = req.TextBody
	msg.ContentHTML = req.HTMLBody
	msg.Attachments = req.Attachments
	if err := msg.TransitionTo(models.StatusSent, time.Now().UTC()); err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Recorder) Requests() []channel.SendRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]channel.SendRequest(nil), r.requests...)
}

func (r *Recorder) Last() (channel.SendRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		return channel.SendRequest{}, false
	}
	return r.requests[len(r.requests)-1], true
}

var _ channel.OutboundAdapter = (*Recorder)(nil)
