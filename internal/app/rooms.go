package app

import (
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

const roomShards = 32

// roomEntry owns one room's membership. Its mutex serializes join/leave for
// that room only; a dead entry has been unlinked from its shard.
type roomEntry struct {
	id      domain.RoomID
	mu      sync.Mutex
	members map[domain.SessionID]core.SignalConnection
	dead    bool
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomEntry
}

// RoomRegistry maps room ids to their live members. Rooms are created on first
// join and removed when the last member leaves; nothing is retained.
type RoomRegistry struct {
	shards [roomShards]roomShard
}

func NewRoomRegistry() *RoomRegistry {
	r := &RoomRegistry{}
	for i := range r.shards {
		r.shards[i].rooms = make(map[domain.RoomID]*roomEntry)
	}
	return r
}

func (r *RoomRegistry) shard(id domain.RoomID) *roomShard {
	return &r.shards[xxhash.Sum64String(string(id))%roomShards]
}

func (r *RoomRegistry) lookup(id domain.RoomID) *roomEntry {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.rooms[id]
}

func (r *RoomRegistry) getOrCreate(id domain.RoomID) *roomEntry {
	sh := r.shard(id)
	sh.mu.RLock()
	room, ok := sh.rooms[id]
	sh.mu.RUnlock()
	if ok {
		return room
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if room, ok = sh.rooms[id]; ok {
		return room
	}
	room = &roomEntry{id: id, members: make(map[domain.SessionID]core.SignalConnection)}
	sh.rooms[id] = room
	log.Debug().Str("module", "app.rooms").Str("room", string(id)).Msg("room created")
	return room
}

// unlink removes room from its shard if it is still the registered entry.
func (r *RoomRegistry) unlink(room *roomEntry) {
	sh := r.shard(room.id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.rooms[room.id] == room {
		delete(sh.rooms, room.id)
		log.Debug().Str("module", "app.rooms").Str("room", string(room.id)).Msg("room removed")
	}
}

// Announce carries the frames Join delivers while it still holds the room
// lock, so a concurrent leave is always observed after the roster.
type Announce struct {
	// Roster builds the newcomer's roster from the members already present.
	Roster func(existing []domain.SessionID) core.Frame
	// Joined is sent to each pre-existing member when sid is new to the room.
	Joined core.Frame
}

// Join adds sid to the room. It returns the other members as they were before
// the add and whether sid was newly added. Joining twice is a no-op apart from
// refreshing the connection and resending the roster.
func (r *RoomRegistry) Join(id domain.RoomID, sid domain.SessionID, conn core.SignalConnection, ann Announce) ([]domain.SessionID, bool, core.PublishResult) {
	for {
		room := r.getOrCreate(id)
		room.mu.Lock()
		if room.dead {
			room.mu.Unlock()
			r.unlink(room)
			continue
		}
		existing := make([]domain.SessionID, 0, len(room.members))
		for member := range room.members {
			if member != sid {
				existing = append(existing, member)
			}
		}
		slices.Sort(existing)
		_, present := room.members[sid]
		room.members[sid] = conn

		var res core.PublishResult
		if ann.Roster != nil {
			if f := ann.Roster(existing); f != nil {
				res.Add(sid, conn.TrySend(f))
			}
		}
		if !present && ann.Joined != nil {
			for _, member := range existing {
				res.Add(member, room.members[member].TrySend(ann.Joined))
			}
		}
		room.mu.Unlock()
		return existing, !present, res
	}
}

// Leave removes sid and delivers left to the remaining members before the
// room lock is released. The room is deleted once it is empty.
func (r *RoomRegistry) Leave(id domain.RoomID, sid domain.SessionID, left core.Frame) (bool, core.PublishResult) {
	var res core.PublishResult
	room := r.lookup(id)
	if room == nil {
		return false, res
	}
	room.mu.Lock()
	_, ok := room.members[sid]
	delete(room.members, sid)
	if ok && left != nil {
		for member, conn := range room.members {
			res.Add(member, conn.TrySend(left))
		}
	}
	empty := len(room.members) == 0 && !room.dead
	if empty {
		room.dead = true
	}
	room.mu.Unlock()

	if empty {
		r.unlink(room)
	}
	if ok {
		log.Debug().Str("module", "app.rooms").Str("room", string(id)).Str("sid", string(sid)).Int("sent_to", res.SendTo).Int("failed", len(res.Failed)).Msg("leave result")
	}
	return ok, res
}

// Lookup returns the connection of sid if it is a member of the room.
func (r *RoomRegistry) Lookup(id domain.RoomID, sid domain.SessionID) (core.SignalConnection, bool) {
	room := r.lookup(id)
	if room == nil {
		return nil, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	conn, ok := room.members[sid]
	return conn, ok
}

func (r *RoomRegistry) Members(id domain.RoomID) []domain.SessionID {
	room := r.lookup(id)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	out := make([]domain.SessionID, 0, len(room.members))
	for sid := range room.members {
		out = append(out, sid)
	}
	room.mu.Unlock()
	slices.Sort(out)
	return out
}

func (r *RoomRegistry) List() []core.RoomInfo {
	out := make([]core.RoomInfo, 0)
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for id, room := range sh.rooms {
			room.mu.Lock()
			n := len(room.members)
			room.mu.Unlock()
			out = append(out, core.RoomInfo{ID: id, MemberCount: n})
		}
		sh.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b core.RoomInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
