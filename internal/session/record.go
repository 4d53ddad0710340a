package session

import (
	"strconv"
	"time"
)

// Protocol namespaces session records per upstream protocol.
type Protocol string

const (
	ProtocolIMAP Protocol = "imap"
	ProtocolSMTP Protocol = "smtp"
)

// Protocols lists every namespace the keep-alive worker sweeps.
var Protocols = []Protocol{ProtocolIMAP, ProtocolSMTP}

// Status is the lifecycle state of a session record.
type Status string

const (
	StatusActive     Status = "active"
	StatusRefreshing Status = "refreshing"
	StatusRetired    Status = "retired"
)

// Stats are the per-session counters kept server-side via HINCRBY.
type Stats struct {
	Hits      int64
	Misses    int64
	NoopsOK   int64
	NoopsFail int64
}

// Stat field names as stored in the hash.
const (
	StatHits      = "hits"
	StatMisses    = "misses"
	StatNoopsOK   = "noops_ok"
	StatNoopsFail = "noops_fail"
)

// Record is the persisted metadata for one logical mail session. It describes
// a session, not a connection: live handles stay in process memory and the
// record lets another instance (or a restarted one) find and refresh them.
type Record struct {
	InboxIDHash     string
	CreatedAt       time.Time
	LastUsedAt      time.Time
	LastRefreshedAt time.Time
	TTLSeconds      int64
	Status          Status
	OwnerInstance   string
	Stats           Stats
}

// Hash field names. All numeric values are stored as decimal strings so the
// layout stays HINCRBY-compatible and readable from redis-cli.
const (
	fieldInboxIDHash     = "inbox_id_hash"
	fieldCreatedAt       = "created_at"
	fieldLastUsedAt      = "last_used_at"
	fieldLastRefreshedAt = "last_refreshed_at"
	fieldTTLSeconds      = "ttl_seconds"
	fieldStatus          = "status"
	fieldOwnerInstance   = "owner_instance"
)

func (r Record) fields() map[string]string {
	return map[string]string{
		fieldInboxIDHash:     r.InboxIDHash,
		fieldCreatedAt:       formatUnixMilli(r.CreatedAt),
		fieldLastUsedAt:      formatUnixMilli(r.LastUsedAt),
		fieldLastRefreshedAt: formatUnixMilli(r.LastRefreshedAt),
		fieldTTLSeconds:      strconv.FormatInt(r.TTLSeconds, 10),
		fieldStatus:          string(r.Status),
		fieldOwnerInstance:   r.OwnerInstance,
		StatHits:             strconv.FormatInt(r.Stats.Hits, 10),
		StatMisses:           strconv.FormatInt(r.Stats.Misses, 10),
		StatNoopsOK:          strconv.FormatInt(r.Stats.NoopsOK, 10),
		StatNoopsFail:        strconv.FormatInt(r.Stats.NoopsFail, 10),
	}
}

// parseRecord decodes a hash into a Record. Unknown fields are ignored and
// malformed numeric fields decode as zero, so records written by newer
// versions still read.
func parseRecord(fields map[string]string) Record {
	return Record{
		InboxIDHash:     fields[fieldInboxIDHash],
		CreatedAt:       parseUnixMilli(fields[fieldCreatedAt]),
		LastUsedAt:      parseUnixMilli(fields[fieldLastUsedAt]),
		LastRefreshedAt: parseUnixMilli(fields[fieldLastRefreshedAt]),
		TTLSeconds:      parseInt(fields[fieldTTLSeconds]),
		Status:          Status(fields[fieldStatus]),
		OwnerInstance:   fields[fieldOwnerInstance],
		Stats: Stats{
			Hits:      parseInt(fields[StatHits]),
			Misses:    parseInt(fields[StatMisses]),
			NoopsOK:   parseInt(fields[StatNoopsOK]),
			NoopsFail: parseInt(fields[StatNoopsFail]),
		},
	}
}

func formatUnixMilli(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseUnixMilli(value string) time.Time {
	ms := parseInt(value)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func parseInt(value string) int64 {
	n, _ := strconv.ParseInt(value, 10, 64)
	return n
}
