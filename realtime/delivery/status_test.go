package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanAdvance(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusSending, StatusSent, true},
		{StatusSending, StatusDelivered, true}, // 跳级前进允许（中间事件丢了）
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusRead, true},
		{StatusSending, StatusFailed, true},
		{StatusSent, StatusFailed, true},

		{StatusSent, StatusSending, false},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusDelivered, false},
		{StatusRead, StatusFailed, false},
		{StatusDelivered, StatusFailed, false},
		{StatusFailed, StatusSent, false},
		{StatusFailed, StatusRead, false},
		{StatusRead, StatusRead, false},
		{StatusSent, StatusSent, false},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, CanAdvance(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestStatusStringRoundTrip(t *testing.T) {
	for _, s := range []Status{StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed} {
		assert.Equal(t, s, StatusFromString(s.String()))
	}
	assert.Equal(t, Status(0), StatusFromString("bogus"))
}
