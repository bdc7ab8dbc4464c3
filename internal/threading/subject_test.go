package threading

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Re: Order #123", "order #123"},
		{"order #123", "order #123"},
		{"RE: Fwd: re: Invoice", "invoice"},
		{"[URGENT] Re: [ext] Server down!!", "server down"},
		{"  Hello    world...  ", "hello world"},
		{"FW:Meeting", "meeting"},
		{"", NoSubject},
		{"Re: ", NoSubject},
		{"[tag]", NoSubject},
		{"Regarding the refund", "regarding the refund"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSubject(tt.in))
		})
	}
}

func TestHashThreadID(t *testing.T) {
	a := HashThreadID(NormalizeSubject("Re: Order #123"))
	b := HashThreadID(NormalizeSubject("order #123"))
	c := HashThreadID(NormalizeSubject("Order #124"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, IsThreadID(a))
	assert.False(t, IsThreadID("thread_xyz"))
}
