package stream

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
)

// DefaultUrgency is the urgency of a request without a priority field.
const DefaultUrgency = 3

// Priority is the extensible priority of a response (RFC 9218).
type Priority struct {
	Urgency     uint8
	Incremental bool
}

// DefaultPriority returns the priority of a request that signalled none.
func DefaultPriority() Priority {
	return Priority{Urgency: DefaultUrgency}
}

// ParsePriority reads the "priority" field value. Unknown or malformed members
// are ignored and leave the default in place.
func ParsePriority(value string) Priority {
	p := DefaultPriority()
	for _, member := range strings.Split(value, ",") {
		member = strings.TrimSpace(member)
		if i := strings.IndexByte(member, ';'); i >= 0 {
			member = member[:i]
		}
		key, val, hasVal := strings.Cut(member, "=")
		switch key {
		case "u":
			if !hasVal {
				continue
			}
			u, err := strconv.ParseUint(val, 10, 8)
			if err != nil || u > 7 {
				continue
			}
			p.Urgency = uint8(u)
		case "i":
			switch {
			case !hasVal, val == "?1":
				p.Incremental = true
			case val == "?0":
				p.Incremental = false
			}
		}
	}
	return p
}

// sendOrder sorts stream IDs so more urgent responses are flushed first. Equal
// urgency keeps stream order.
func sendOrder(ids []uint64, prio func(uint64) Priority) {
	slices.SortFunc(ids, func(a, b uint64) int {
		if c := cmp.Compare(prio(a).Urgency, prio(b).Urgency); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
}
