package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInConversation(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want bool
	}{
		{name: "self to peer", msg: Message{SenderID: "alice", ReceiverID: "bob"}, want: true},
		{name: "peer to self", msg: Message{SenderID: "bob", ReceiverID: "alice"}, want: true},
		{name: "other peer", msg: Message{SenderID: "alice", ReceiverID: "carol"}, want: false},
		{name: "unrelated", msg: Message{SenderID: "carol", ReceiverID: "dave"}, want: false},
		{name: "self to self", msg: Message{SenderID: "alice", ReceiverID: "alice"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, InConversation(tc.msg, "alice", "bob"))
		})
	}
}

func TestBefore_TieBreaksOnID(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := Message{ID: "a", CreatedAt: ts}
	b := Message{ID: "b", CreatedAt: ts}
	require.True(t, Before(a, b))
	require.False(t, Before(b, a))

	later := Message{ID: "0", CreatedAt: ts.Add(time.Second)}
	require.True(t, Before(b, later))
}

func TestConversationKey_DirectionIndependent(t *testing.T) {
	require.Equal(t, ConversationKey("alice", "bob"), ConversationKey("bob", "alice"))
	require.Equal(t, "alice#bob", ConversationKey("bob", "alice"))
}

func TestValidUserID(t *testing.T) {
	require.True(t, ValidUserID("alice"))
	require.False(t, ValidUserID("  "))
	require.False(t, ValidUserID("a#b"))
}

func TestDayKey(t *testing.T) {
	ts := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	require.Equal(t, "2026-03-01", DayKey(ts, nil))

	tokyo := time.FixedZone("JST", 9*60*60)
	require.Equal(t, "2026-03-02", DayKey(ts, tokyo))
}
