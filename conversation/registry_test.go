package conversation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egor/ecochatserver/models"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func customerMsg(id models.Identity, n int) CustomerMessage {
	return CustomerMessage{Message: models.Message{
		ID:         fmt.Sprintf("c-%d", n),
		Identifier: id.Key(),
		SenderType: models.SenderUser,
		Body:       fmt.Sprintf("customer %d", n),
		CreatedAt:  base.Add(time.Duration(n) * time.Second),
	}}
}

func agentMsg(id models.Identity, n int) AgentMessage {
	return AgentMessage{Message: models.Message{
		ID:         fmt.Sprintf("a-%d", n),
		Identifier: id.Key(),
		SenderType: models.SenderAdmin,
		Body:       fmt.Sprintf("agent %d", n),
		CreatedAt:  base.Add(time.Duration(n) * time.Second),
	}}
}

func TestRegistry_FirstCustomerMessageIsUnread(t *testing.T) {
	r := NewRegistry()
	id := models.AnonymousIdentity("s1", "a@b.com")

	conv, err := r.Upsert(id, customerMsg(id, 1))
	require.NoError(t, err)

	assert.Equal(t, "session_s1", conv.Identifier)
	assert.Equal(t, models.StatusUnread, conv.Status)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Equal(t, "customer 1", conv.LastMessage)
	assert.Equal(t, models.SenderUser, conv.LastSender)
	assert.Equal(t, "a@b.com", conv.CustomerName)
	assert.Equal(t, "A", conv.CustomerInitials)
}

func TestRegistry_AgentReplyAnswersAndClearsUnread(t *testing.T) {
	r := NewRegistry()
	id := models.UserIdentity("42", "jane@example.com", "Jane Doe")

	for i := 1; i <= 3; i++ {
		_, err := r.Upsert(id, customerMsg(id, i))
		require.NoError(t, err)
	}
	conv, err := r.Upsert(id, agentMsg(id, 4))
	require.NoError(t, err)

	assert.Equal(t, models.StatusAnswered, conv.Status)
	assert.Equal(t, 0, conv.UnreadCount)
	assert.Equal(t, models.SenderAdmin, conv.LastSender)
	assert.Equal(t, "JD", conv.CustomerInitials)
}

func TestRegistry_ViewAndLeaveWithoutReplyIsUnanswered(t *testing.T) {
	r := NewRegistry()
	id := models.AnonymousIdentity("s2", "")
	for i := 1; i <= 3; i++ {
		_, err := r.Upsert(id, customerMsg(id, i))
		require.NoError(t, err)
	}

	_, err := r.Upsert(id, Viewed{})
	require.NoError(t, err)
	conv, err := r.Upsert(id, Left{})
	require.NoError(t, err)

	assert.Equal(t, models.StatusUnanswered, conv.Status)
	assert.Equal(t, 3, conv.UnreadCount)
}

func TestRegistry_LeaveWhileActivelyAnsweringKeepsUnread(t *testing.T) {
	r := NewRegistry()
	id := models.AnonymousIdentity("s3", "")
	_, err := r.Upsert(id, customerMsg(id, 1))
	require.NoError(t, err)

	_, err = r.Upsert(id, Viewed{})
	require.NoError(t, err)
	conv, err := r.Upsert(id, Left{ActivelyAnswering: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnread, conv.Status)

	conv, err = r.Upsert(id, Left{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnanswered, conv.Status)
}

func TestRegistry_LeaveWithoutViewingKeepsUnread(t *testing.T) {
	r := NewRegistry()
	id := models.AnonymousIdentity("s4", "")
	_, err := r.Upsert(id, customerMsg(id, 1))
	require.NoError(t, err)

	conv, err := r.Upsert(id, Left{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnread, conv.Status)
}

func TestRegistry_ResolvedIsStickyUntilCustomerWrites(t *testing.T) {
	r := NewRegistry()
	id := models.AnonymousIdentity("s5", "")
	for i := 1; i <= 2; i++ {
		_, err := r.Upsert(id, customerMsg(id, i))
		require.NoError(t, err)
	}

	conv, err := r.Upsert(id, Resolved{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, conv.Status)
	assert.Equal(t, 0, conv.UnreadCount)

	_, err = r.Upsert(id, Viewed{})
	require.NoError(t, err)
	conv, err = r.Upsert(id, Left{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, conv.Status)

	conv, err = r.Upsert(id, customerMsg(id, 3))
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnread, conv.Status)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestRegistry_ReadClearsUnreadOnly(t *testing.T) {
	r := NewRegistry()
	id := models.AnonymousIdentity("s6", "")
	_, err := r.Upsert(id, customerMsg(id, 1))
	require.NoError(t, err)

	first, err := r.Upsert(id, Read{})
	require.NoError(t, err)
	second, err := r.Upsert(id, Read{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 0, second.UnreadCount)
	assert.Equal(t, models.StatusUnread, second.Status)
}

func TestRegistry_PresenceBeforeFirstMessageIsHidden(t *testing.T) {
	r := NewRegistry()
	id := models.AnonymousIdentity("s7", "")

	_, err := r.Upsert(id, Presence{Online: true})
	assert.ErrorIs(t, err, models.ErrUnknownConversation)
	_, ok := r.Get(id.Key())
	assert.False(t, ok)
	assert.Empty(t, r.List(FilterChat))

	conv, err := r.Upsert(id, customerMsg(id, 1))
	require.NoError(t, err)
	assert.True(t, conv.IsOnline)
}

func TestRegistry_SilentVisitorIsForgottenWhenOffline(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 10; i++ {
		id := models.AnonymousIdentity(fmt.Sprintf("drive-by-%d", i), "")
		_, _ = r.Upsert(id, Presence{Online: true})
		_, err := r.Upsert(id, Presence{Online: false})
		assert.ErrorIs(t, err, models.ErrUnknownConversation)
	}
	assert.Zero(t, r.Len())

	id := models.AnonymousIdentity("writer", "")
	_, err := r.Upsert(id, customerMsg(id, 1))
	require.NoError(t, err)
	conv, err := r.Upsert(id, Presence{Online: false})
	require.NoError(t, err)
	assert.False(t, conv.IsOnline)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ConcurrentPresenceAndFirstMessage(t *testing.T) {
	r := NewRegistry()
	id := models.AnonymousIdentity("racer", "")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Upsert(id, Presence{Online: false})
		}()
		go func(n int) {
			defer wg.Done()
			_, _ = r.Upsert(id, customerMsg(id, n))
		}(i)
	}
	wg.Wait()

	conv, ok := r.Get(id.Key())
	require.True(t, ok)
	assert.Equal(t, 50, conv.UnreadCount)
}

func TestRegistry_OlderMessageDoesNotReplaceSummary(t *testing.T) {
	r := NewRegistry()
	id := models.AnonymousIdentity("s8", "")
	_, err := r.Upsert(id, customerMsg(id, 5))
	require.NoError(t, err)

	conv, err := r.Upsert(id, customerMsg(id, 2))
	require.NoError(t, err)
	assert.Equal(t, "customer 5", conv.LastMessage)
	assert.Equal(t, 2, conv.UnreadCount)
}

func TestRegistry_ListFilters(t *testing.T) {
	r := NewRegistry()
	unread := models.AnonymousIdentity("u", "")
	answered := models.AnonymousIdentity("a", "")
	resolved := models.AnonymousIdentity("r", "")

	_, _ = r.Upsert(unread, customerMsg(unread, 3))
	_, _ = r.Upsert(answered, customerMsg(answered, 1))
	_, _ = r.Upsert(answered, agentMsg(answered, 2))
	_, _ = r.Upsert(resolved, customerMsg(resolved, 4))
	_, _ = r.Upsert(resolved, Resolved{})

	ids := func(cs []models.Conversation) []string {
		out := make([]string, 0, len(cs))
		for _, c := range cs {
			out = append(out, c.Identifier)
		}
		return out
	}

	assert.Equal(t, []string{"session_u", "session_a"}, ids(r.List(FilterChat)))
	assert.Equal(t, []string{"session_u"}, ids(r.List(FilterUnread)))
	assert.Equal(t, []string{"session_r"}, ids(r.List(FilterResolved)))
	assert.Equal(t, FilterChat, ParseFilter(""))
	assert.Equal(t, FilterResolved, ParseFilter("resolved"))
}

func TestRegistry_ConcurrentCustomerMessages(t *testing.T) {
	r := NewRegistry()
	id := models.AnonymousIdentity("busy", "")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = r.Upsert(id, customerMsg(id, n))
		}(i)
	}
	wg.Wait()

	conv, ok := r.Get(id.Key())
	require.True(t, ok)
	assert.Equal(t, 50, conv.UnreadCount)
	assert.Equal(t, "customer 49", conv.LastMessage)
}

func TestRegistry_RejectsInvalidIdentity(t *testing.T) {
	r := NewRegistry()
	_, err := r.Upsert(models.Identity{Kind: models.IdentityAnonymous}, Read{})
	assert.ErrorIs(t, err, models.ErrValidation)
}
