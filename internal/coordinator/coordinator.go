package coordinator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/goatnetwork/goat-mixer/internal/mixer"
	"github.com/goatnetwork/goat-mixer/internal/types"
	log "github.com/sirupsen/logrus"
)

var (
	ErrSessionNotFound       = errors.New("coinjoin session not found")
	ErrNotInvited            = errors.New("participant not invited to session")
	ErrAlreadyAnswered       = errors.New("participant already answered")
	ErrSignatureNotRequested = errors.New("signature not requested")
)

type answer int

const (
	answerNone answer = iota
	answerConfirmed
	answerDeclined
)

type invitation struct {
	participant types.Participant
	invitedAt   time.Time
	answer      answer
	unsigned    []byte
	signature   []byte
}

type session struct {
	id          string
	createdAt   time.Time
	invitations map[string]*invitation
}

// Invitation is what a participant sees when polling for pending CoinJoin work.
type Invitation struct {
	CoordinationID string            `json:"coordination_id"`
	Participant    types.Participant `json:"participant"`
	InvitedAt      time.Time         `json:"invited_at"`
	Confirmed      bool              `json:"confirmed"`
	Declined       bool              `json:"declined"`
	Unsigned       []byte            `json:"unsigned_tx,omitempty"`
	SignatureSent  bool              `json:"signature_sent"`
}

// Coordinator is the rendezvous between CoinJoin sessions run by the engine and
// participants answering over HTTP. Every wait is bounded by the caller's context.
type Coordinator struct {
	retention time.Duration
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	// closed and replaced on every answer to wake waiters
	changed chan struct{}
}

var _ mixer.Coordinator = (*Coordinator)(nil)

func NewCoordinator(retention time.Duration) *Coordinator {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Coordinator{
		retention: retention,
		now:       time.Now,
		sessions:  make(map[string]*session),
		changed:   make(chan struct{}),
	}
}

// Start prunes sessions older than the retention period until ctx is done.
func (c *Coordinator) Start(ctx context.Context) {
	ticker := time.NewTicker(c.retention / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.prune(); n > 0 {
				log.Debugf("Coordinator pruned %d coinjoin sessions", n)
			}
		}
	}
}

func (c *Coordinator) prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.retention)
	n := 0
	for id, s := range c.sessions {
		if s.createdAt.Before(cutoff) {
			delete(c.sessions, id)
			n++
		}
	}
	return n
}

// broadcastLocked wakes every waiter. c.mu must be held.
func (c *Coordinator) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Coordinator) NotifyParticipant(ctx context.Context, coordinationID string, p types.Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[coordinationID]
	if !ok {
		s = &session{id: coordinationID, createdAt: c.now(), invitations: make(map[string]*invitation)}
		c.sessions[coordinationID] = s
	}
	if _, ok := s.invitations[p.RequestID]; !ok {
		s.invitations[p.RequestID] = &invitation{participant: p, invitedAt: c.now()}
	}
	log.WithFields(log.Fields{
		"coordination": coordinationID,
		"participant":  p.RequestID,
		"amount":       p.Amount.String(),
	}).Info("Invited participant to coinjoin")
	return nil
}

// AwaitConfirmations blocks until every listed participant answered or ctx ends.
// A deadline is not an error: the participants confirmed so far are returned.
func (c *Coordinator) AwaitConfirmations(ctx context.Context, coordinationID string, participantIDs []string) ([]string, error) {
	for {
		c.mu.Lock()
		s, ok := c.sessions[coordinationID]
		if !ok {
			c.mu.Unlock()
			return nil, ErrSessionNotFound
		}
		var confirmed []string
		pending := 0
		for _, id := range participantIDs {
			inv, ok := s.invitations[id]
			switch {
			case !ok:
			case inv.answer == answerConfirmed:
				confirmed = append(confirmed, id)
			case inv.answer == answerNone:
				pending++
			}
		}
		changed := c.changed
		c.mu.Unlock()

		if pending == 0 {
			return confirmed, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return confirmed, nil
			}
			return nil, ctx.Err()
		}
	}
}

// RequestSignature publishes the unsigned transaction to the participant and waits
// for its signed copy.
func (c *Coordinator) RequestSignature(ctx context.Context, coordinationID, participantID string, unsigned []byte) ([]byte, error) {
	c.mu.Lock()
	inv, err := c.invitationLocked(coordinationID, participantID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	inv.unsigned = append([]byte(nil), unsigned...)
	inv.signature = nil
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sig := inv.signature
		changed := c.changed
		c.mu.Unlock()
		if sig != nil {
			return sig, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Coordinator) invitationLocked(coordinationID, participantID string) (*invitation, error) {
	s, ok := c.sessions[coordinationID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	inv, ok := s.invitations[participantID]
	if !ok {
		return nil, ErrNotInvited
	}
	return inv, nil
}

func (c *Coordinator) answer(coordinationID, participantID string, a answer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv, err := c.invitationLocked(coordinationID, participantID)
	if err != nil {
		return err
	}
	if inv.answer != answerNone {
		return ErrAlreadyAnswered
	}
	inv.answer = a
	c.broadcastLocked()
	return nil
}

func (c *Coordinator) Confirm(coordinationID, participantID string) error {
	return c.answer(coordinationID, participantID, answerConfirmed)
}

func (c *Coordinator) Decline(coordinationID, participantID string) error {
	return c.answer(coordinationID, participantID, answerDeclined)
}

// SubmitSignature stores the participant's signed copy of the requested transaction.
func (c *Coordinator) SubmitSignature(coordinationID, participantID string, signed []byte) error {
	if len(signed) == 0 {
		return errors.New("empty signature")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	inv, err := c.invitationLocked(coordinationID, participantID)
	if err != nil {
		return err
	}
	if inv.unsigned == nil {
		return ErrSignatureNotRequested
	}
	inv.signature = append([]byte(nil), signed...)
	c.broadcastLocked()
	return nil
}

// Invitations lists the sessions a participant was invited to, oldest first.
func (c *Coordinator) Invitations(participantID string) []Invitation {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Invitation
	for _, s := range c.sessions {
		inv, ok := s.invitations[participantID]
		if !ok {
			continue
		}
		out = append(out, Invitation{
			CoordinationID: s.id,
			Participant:    inv.participant,
			InvitedAt:      inv.invitedAt,
			Confirmed:      inv.answer == answerConfirmed,
			Declined:       inv.answer == answerDeclined,
			Unsigned:       inv.unsigned,
			SignatureSent:  inv.signature != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvitedAt.Before(out[j].InvitedAt) })
	return out
}
