package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithAccountID(ctx, "acc-9")
	ctx = WithChannel(ctx, "whatsapp")

	assert.Equal(t, []interface{}{"trace_id", "trace-1", "account_id", "acc-9", "channel", "whatsapp"}, GetLogFields(ctx))
	assert.Equal(t, "acc-9", GetAccountID(ctx))
	assert.Empty(t, GetMessageID(ctx))
}
