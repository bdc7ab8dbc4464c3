//go:build integration

package integration

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/channel"
	"switchboard/internal/logger"
	"switchboard/pkg/models"
)

const (
	containerStartupTimeout = 60
	timestampDelay          = 10 * time.Millisecond
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createTestAccount(id string, protocol channel.Protocol, ch models.ChannelType) channel.Account {
	return channel.Account{
		ID:            id,
		Name:          "account " + id,
		Channel:       ch,
		Protocol:      protocol,
		Credentials:   map[string]string{"token": "secret-" + id},
		WebhookSecret: "whsec-" + id,
		VerifyToken:   "verify-" + id,
		PollFrequency: 5 * time.Minute,
		IsActive:      true,
	}
}

func createTestMessage(accountID, externalID, threadID string) *models.CanonicalMessage {
	msg := models.NewInboundMessage(models.ChannelEmail, accountID, time.Now().UTC())
	msg.ExternalID = externalID
	msg.ThreadID = threadID
	msg.SenderIdentifier = "alice@example.com"
	msg.SenderName = "Alice"
	msg.RecipientIdentifiers = []string{"support@example.com"}
	msg.Subject = "Question about pricing"
	msg.ContentText = "What does the team plan cost?"
	msg.RawHeaders = map[string]string{"Message-ID": externalID}
	return msg
}

func createTestRule(accountID, name string, priority int) *models.Rule {
	return &models.Rule{
		AccountID:      accountID,
		Name:           name,
		ConditionType:  models.ConditionBodyContains,
		ConditionValue: "price",
		ActionType:     models.ActionSetPriority,
		ActionData:     map[string]interface{}{"priority": "high"},
		Priority:       priority,
		IsActive:       true,
	}
}

func createTestFlow(accountID, keyword string) *models.ConversationFlow {
	return &models.ConversationFlow{
		AccountID:    accountID,
		Name:         fmt.Sprintf("%s flow", keyword),
		FlowType:     models.FlowTypeStandard,
		TriggerType:  models.TriggerKeyword,
		TriggerValue: keyword,
		Priority:     10,
		IsActive:     true,
		Steps: map[string]models.FlowStep{
			models.StepStart: {
				Actions: []models.FlowAction{{Type: models.FlowActionSendText, Params: map[string]interface{}{"text": "Plans start at 10"}}},
				Next:    models.StepEnd,
			},
		},
	}
}

func newEventID() string {
	return "evt-" + uuid.New().String()
}
