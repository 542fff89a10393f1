package replication

import (
	"sort"
	"sync"
	"time"
)

// ParticipantID identifies one session member.
type ParticipantID string

// Participant tracks the session membership state for one client.
type Participant struct {
	ID            ParticipantID
	JoinSeq       uint64
	Connected     bool
	LastHeartbeat time.Time
	LastRTT       time.Duration
}

// Roster is the session membership table and the source of truth for master
// election. The master is the connected participant with the lowest join
// sequence; join sequences are allocated monotonically and never reused, so
// every process that sees the same roster derives the same master without
// negotiation.
type Roster struct {
	mu           sync.Mutex
	participants map[ParticipantID]*Participant
	nextSeq      uint64
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{participants: make(map[ParticipantID]*Participant)}
}

// Join admits a participant and allocates its join sequence. Re-joining with
// a known id reconnects the existing entry without changing its sequence.
func (r *Roster) Join(id ParticipantID, now time.Time) Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.participants[id]; ok {
		existing.Connected = true
		existing.LastHeartbeat = now
		return *existing
	}

	r.nextSeq++
	p := &Participant{
		ID:            id,
		JoinSeq:       r.nextSeq,
		Connected:     true,
		LastHeartbeat: now,
	}
	r.participants[id] = p
	return *p
}

// Disconnect marks a participant as gone and reports whether it was known
// and connected.
func (r *Roster) Disconnect(id ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok || !p.Connected {
		return false
	}
	p.Connected = false
	return true
}

// Connected reports whether the participant is currently in the session.
func (r *Roster) Connected(id ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	return ok && p.Connected
}

// Master returns the current master participant, if any participant is
// connected.
func (r *Roster) Master() (ParticipantID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.masterLocked()
}

func (r *Roster) masterLocked() (ParticipantID, bool) {
	var master ParticipantID
	var best uint64
	found := false
	for id, p := range r.participants {
		if !p.Connected {
			continue
		}
		if !found || p.JoinSeq < best {
			master = id
			best = p.JoinSeq
			found = true
		}
	}
	return master, found
}

// Heartbeat records the most recent heartbeat time and RTT for a participant.
func (r *Roster) Heartbeat(id ParticipantID, receivedAt time.Time, clientSent int64) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok || !p.Connected {
		return 0, false
	}

	p.LastHeartbeat = receivedAt

	if clientSent > 0 {
		clientTime := time.UnixMilli(clientSent)
		if clientTime.Before(receivedAt.Add(5 * time.Second)) {
			rtt := receivedAt.Sub(clientTime)
			if rtt < 0 {
				rtt = 0
			}
			p.LastRTT = rtt
		}
	}

	return p.LastRTT, true
}

// StaleSince returns the connected participants whose last heartbeat is older
// than the window.
func (r *Roster) StaleSince(now time.Time, window time.Duration) []ParticipantID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []ParticipantID
	for id, p := range r.participants {
		if !p.Connected {
			continue
		}
		if now.Sub(p.LastHeartbeat) > window {
			stale = append(stale, id)
		}
	}
	return stale
}

// Snapshot copies the connected participants ordered by join sequence.
func (r *Roster) Snapshot() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		if !p.Connected {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinSeq < out[j].JoinSeq })
	return out
}

// Len counts connected participants.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.participants {
		if p.Connected {
			n++
		}
	}
	return n
}
