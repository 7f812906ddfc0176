package conversation

import "github.com/egor/ecochatserver/models"

// Delta is an event applied to a conversation through Registry.Upsert.
type Delta interface {
	apply(s *state)
}

// CustomerMessage records a new message written by the customer.
type CustomerMessage struct{ Message models.Message }

// AgentMessage records a reply written by an agent.
type AgentMessage struct{ Message models.Message }

// Viewed records an agent opening the conversation.
type Viewed struct{}

// Left records an agent closing the conversation view. ActivelyAnswering
// keeps the status untouched while a draft is in progress.
type Left struct{ ActivelyAnswering bool }

// Resolved records the explicit "mark resolved" action.
type Resolved struct{}

// Read records that every customer message has been read.
type Read struct{}

// Presence records the customer's own connectivity.
type Presence struct{ Online bool }

// state is the registry's private view of one conversation.
type state struct {
	conv    models.Conversation
	started bool
	viewed  bool
}

// transition applies d to a copy of s and returns the result.
func transition(s state, d Delta) state {
	d.apply(&s)
	return s
}

func (d CustomerMessage) apply(s *state) {
	s.started = true
	s.touch(d.Message)
	s.conv.UnreadCount++
	s.conv.Status = models.StatusUnread
	s.viewed = false
}

func (d AgentMessage) apply(s *state) {
	s.started = true
	s.touch(d.Message)
	s.conv.UnreadCount = 0
	s.conv.Status = models.StatusAnswered
	s.viewed = false
}

func (Viewed) apply(s *state) {
	if s.conv.Status == models.StatusUnread {
		s.viewed = true
	}
}

func (d Left) apply(s *state) {
	if s.conv.Status == models.StatusUnread && s.viewed && !d.ActivelyAnswering {
		s.conv.Status = models.StatusUnanswered
	}
	if !d.ActivelyAnswering {
		s.viewed = false
	}
}

func (Resolved) apply(s *state) {
	s.conv.Status = models.StatusResolved
	s.conv.UnreadCount = 0
	s.viewed = false
}

func (Read) apply(s *state) {
	s.conv.UnreadCount = 0
}

func (d Presence) apply(s *state) {
	s.conv.IsOnline = d.Online
}

// touch refreshes the list summary unless m is older than what is shown.
func (s *state) touch(m models.Message) {
	if !s.conv.LastTimestamp.IsZero() && m.CreatedAt.Before(s.conv.LastTimestamp) {
		return
	}
	s.conv.LastMessage = m.Preview()
	s.conv.LastSender = m.SenderType
	s.conv.LastTimestamp = m.CreatedAt
}

func newState(identity models.Identity) state {
	return state{conv: models.Conversation{
		Identifier:       identity.Key(),
		Identity:         identity,
		CustomerName:     identity.DisplayName(),
		CustomerInitials: identity.Initials(),
	}}
}
