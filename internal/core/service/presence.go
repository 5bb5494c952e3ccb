package service

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPresenceStaleAfter = 30 * time.Second
	DefaultHeartbeatInterval  = 10 * time.Second

	presenceSendTimeout = 2 * time.Second

	// A peer that stops probing loses our announcements after this many
	// staleness windows.
	interestLeases = 3
)

type envelopeSender interface {
	Send(ctx context.Context, env domain.Envelope) error
}

type PresenceConfig struct {
	// StaleAfter is how long a remote entry stays valid without a heartbeat.
	StaleAfter time.Duration
	// HeartbeatInterval paces re-announcements, re-probes and stale sweeps.
	HeartbeatInterval time.Duration
	Now               func() time.Time
}

type presenceEntry struct {
	status     domain.PresenceStatus
	lastSeenAt time.Time
	reportedAt time.Time
	notified   domain.PresenceStatus
}

type subscription struct {
	id int
	cb func(domain.UserPresence)
}

// PresenceTracker keeps the last known availability of remote users and
// announces the local user's status to interested peers. Presence is best
// effort: delivery failures are logged and repaired by the next heartbeat.
type PresenceTracker struct {
	localID domain.UserID
	sender  envelopeSender
	cfg     PresenceConfig

	mu         sync.RWMutex
	local      domain.PresenceStatus
	entries    map[domain.UserID]*presenceEntry
	watched    map[domain.UserID]time.Time // last probe sent
	interested map[domain.UserID]time.Time // last probe received
	subs       map[domain.UserID][]subscription
	nextSubID  int
}

func NewPresenceTracker(localID domain.UserID, sender envelopeSender, cfg PresenceConfig) *PresenceTracker {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultPresenceStaleAfter
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &PresenceTracker{
		localID:    localID,
		sender:     sender,
		cfg:        cfg,
		local:      domain.StatusOffline,
		entries:    make(map[domain.UserID]*presenceEntry),
		watched:    make(map[domain.UserID]time.Time),
		interested: make(map[domain.UserID]time.Time),
		subs:       make(map[domain.UserID][]subscription),
	}
}

func (t *PresenceTracker) LocalStatus() domain.PresenceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.local
}

// SetLocalStatus records the local status and announces it to every
// interested peer.
func (t *PresenceTracker) SetLocalStatus(ctx context.Context, status domain.PresenceStatus) error {
	if !status.Valid() {
		return domain.ErrInvalidStatus
	}

	t.mu.Lock()
	prev := t.local
	t.local = status
	peers := t.keysLocked(t.interested)
	var fire []subscription
	if prev != status {
		fire = append(fire, t.subs[t.localID]...)
	}
	t.mu.Unlock()

	if prev != status {
		log.Info().Str("user_id", t.localID.String()).Str("status", string(status)).Msg("Local presence changed")
	}
	t.notify(fire, domain.UserPresence{UserID: t.localID, Status: status, LastSeenAt: t.cfg.Now()})

	for _, peer := range peers {
		t.announce(ctx, peer, status)
	}
	return nil
}

// GetStatus returns the last known presence. Entries without a heartbeat in
// the staleness window degrade to offline.
func (t *PresenceTracker) GetStatus(userID domain.UserID) domain.UserPresence {
	now := t.cfg.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	if userID == t.localID {
		return domain.UserPresence{UserID: userID, Status: t.local, LastSeenAt: now}
	}
	e, ok := t.entries[userID]
	if !ok {
		return domain.UserPresence{UserID: userID, Status: domain.StatusOffline}
	}
	return domain.UserPresence{
		UserID:     userID,
		Status:     t.effectiveLocked(e, now),
		LastSeenAt: e.lastSeenAt,
	}
}

// Subscribe registers cb for status transitions of userID and starts
// watching that user. The returned func removes the subscription.
func (t *PresenceTracker) Subscribe(ctx context.Context, userID domain.UserID, cb func(domain.UserPresence)) func() {
	t.mu.Lock()
	t.nextSubID++
	id := t.nextSubID
	t.subs[userID] = append(t.subs[userID], subscription{id: id, cb: cb})
	t.mu.Unlock()

	if userID != t.localID {
		t.Watch(ctx, userID)
	}

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		list := t.subs[userID]
		for i, s := range list {
			if s.id == id {
				t.subs[userID] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(t.subs[userID]) == 0 {
			delete(t.subs, userID)
		}
	}
}

// Watch marks userID as a contact: we announce our status to it and probe
// for its status until we hear from it.
func (t *PresenceTracker) Watch(ctx context.Context, userID domain.UserID) {
	if userID.IsZero() || userID == t.localID {
		return
	}
	now := t.cfg.Now()
	t.mu.Lock()
	t.interested[userID] = now
	fresh := t.freshLocked(userID, now)
	if _, ok := t.watched[userID]; !ok || !fresh {
		t.watched[userID] = now
	}
	t.mu.Unlock()

	if !fresh {
		t.probe(ctx, userID)
	}
}

func (t *PresenceTracker) Unwatch(userID domain.UserID) {
	t.mu.Lock()
	delete(t.watched, userID)
	delete(t.interested, userID)
	t.mu.Unlock()
}

// HandleEnvelope applies an inbound presence or presence-probe envelope.
func (t *PresenceTracker) HandleEnvelope(ctx context.Context, env domain.Envelope) {
	l := log.With().Str("from", env.From.String()).Str("type", string(env.Type)).Logger()

	switch env.Type {
	case domain.EnvelopePresenceProbe:
		t.mu.Lock()
		t.interested[env.From] = t.cfg.Now()
		status := t.local
		t.mu.Unlock()
		t.announce(ctx, env.From, status)

	case domain.EnvelopePresence:
		var p domain.PresencePayload
		if err := env.Decode(&p); err != nil {
			l.Warn().Err(err).Msg("Dropping presence envelope")
			return
		}
		if !p.Status.Valid() {
			l.Warn().Str("status", string(p.Status)).Msg("Dropping presence envelope with unknown status")
			return
		}
		t.apply(env.From, p.Status, env.SentAt)

	default:
		l.Debug().Msg("Not a presence envelope")
	}
}

// Heartbeat re-announces the local status, probes watched users we have no
// fresh state for (and renews our interest with the others once per
// staleness window), forgets peers whose probes stopped, and degrades stale
// entries to offline.
func (t *PresenceTracker) Heartbeat(ctx context.Context) {
	now := t.cfg.Now()
	leaseTTL := interestLeases * t.cfg.StaleAfter

	t.mu.Lock()
	status := t.local
	for id, seen := range t.interested {
		if _, ok := t.watched[id]; ok || now.Sub(seen) <= leaseTTL {
			continue
		}
		delete(t.interested, id)
		log.Debug().Str("user_id", id.String()).Msg("Peer stopped probing, no longer announcing")
	}
	peers := t.keysLocked(t.interested)
	var probes []domain.UserID
	for id, last := range t.watched {
		if !t.freshLocked(id, now) || now.Sub(last) >= t.cfg.StaleAfter {
			probes = append(probes, id)
			t.watched[id] = now
		}
	}
	t.mu.Unlock()

	for _, peer := range peers {
		t.announce(ctx, peer, status)
	}
	for _, id := range probes {
		t.probe(ctx, id)
	}
	t.Sweep()
}

// Sweep fires subscribers for entries whose effective status changed because
// their heartbeat expired.
func (t *PresenceTracker) Sweep() {
	now := t.cfg.Now()

	type pending struct {
		subs []subscription
		p    domain.UserPresence
	}
	var out []pending

	t.mu.Lock()
	for id, e := range t.entries {
		eff := t.effectiveLocked(e, now)
		if eff == e.notified {
			continue
		}
		e.notified = eff
		out = append(out, pending{
			subs: append([]subscription(nil), t.subs[id]...),
			p:    domain.UserPresence{UserID: id, Status: eff, LastSeenAt: e.lastSeenAt},
		})
		log.Debug().Str("user_id", id.String()).Str("status", string(eff)).Msg("Presence expired")
	}
	t.mu.Unlock()

	for _, o := range out {
		t.notify(o.subs, o.p)
	}
}

// Run drives Heartbeat until ctx is done.
func (t *PresenceTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Heartbeat(ctx)
		}
	}
}

func (t *PresenceTracker) apply(userID domain.UserID, status domain.PresenceStatus, sentAt time.Time) {
	now := t.cfg.Now()

	t.mu.Lock()
	e, ok := t.entries[userID]
	if !ok {
		e = &presenceEntry{notified: domain.StatusOffline}
		t.entries[userID] = e
	}
	if !sentAt.IsZero() && sentAt.Before(e.reportedAt) {
		t.mu.Unlock()
		log.Debug().Str("user_id", userID.String()).Msg("Ignoring out of order presence")
		return
	}
	if !sentAt.IsZero() {
		e.reportedAt = sentAt
	}
	if now.After(e.lastSeenAt) {
		e.lastSeenAt = now
	}
	e.status = status

	eff := t.effectiveLocked(e, now)
	var fire []subscription
	if eff != e.notified {
		e.notified = eff
		fire = append(fire, t.subs[userID]...)
	}
	p := domain.UserPresence{UserID: userID, Status: eff, LastSeenAt: e.lastSeenAt}
	t.mu.Unlock()

	t.notify(fire, p)
}

func (t *PresenceTracker) effectiveLocked(e *presenceEntry, now time.Time) domain.PresenceStatus {
	if now.Sub(e.lastSeenAt) > t.cfg.StaleAfter {
		return domain.StatusOffline
	}
	return e.status
}

func (t *PresenceTracker) freshLocked(userID domain.UserID, now time.Time) bool {
	e, ok := t.entries[userID]
	return ok && now.Sub(e.lastSeenAt) <= t.cfg.StaleAfter
}

func (t *PresenceTracker) keysLocked(set map[domain.UserID]time.Time) []domain.UserID {
	out := make([]domain.UserID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (t *PresenceTracker) notify(subs []subscription, p domain.UserPresence) {
	for _, s := range subs {
		s.cb(p)
	}
}

func (t *PresenceTracker) announce(ctx context.Context, to domain.UserID, status domain.PresenceStatus) {
	env, err := domain.NewEnvelope("", domain.EnvelopePresence, t.localID, to, domain.PresencePayload{Status: status})
	if err != nil {
		log.Error().Err(err).Msg("Failed to build presence envelope")
		return
	}
	t.send(ctx, env)
}

func (t *PresenceTracker) probe(ctx context.Context, to domain.UserID) {
	env, err := domain.NewEnvelope("", domain.EnvelopePresenceProbe, t.localID, to, nil)
	if err != nil {
		return
	}
	t.send(ctx, env)
}

func (t *PresenceTracker) send(ctx context.Context, env domain.Envelope) {
	ctx, cancel := context.WithTimeout(ctx, presenceSendTimeout)
	defer cancel()
	if err := t.sender.Send(ctx, env); err != nil {
		log.Debug().Err(err).
			Str("to", env.To.String()).
			Str("type", string(env.Type)).
			Msg("Presence delivery failed, retrying on next heartbeat")
	}
}
