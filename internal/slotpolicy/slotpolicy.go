// Package slotpolicy derives tunnel names from the slot number a client
// requests, according to two configured integer ranges.
package slotpolicy

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
)

// Range is an inclusive integer range parsed from a "start-end" string.
type Range struct {
	Start int
	End   int
}

// Contains reports whether slot falls within the inclusive range.
func (r Range) Contains(slot int) bool {
	return slot >= r.Start && slot <= r.End
}

// ParseRange parses "a-b" into an inclusive Range. Any malformed input —
// missing dash, non-numeric bounds, empty string — falls back to (1, 5),
// matching the original implementation's parse_range.
func ParseRange(s string) Range {
	start, end, ok := splitRange(s)
	if !ok {
		return Range{Start: 1, End: 5}
	}
	return Range{Start: start, End: end}
}

func splitRange(s string) (start, end int, ok bool) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	end, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}
	return start, end, true
}

// Class classifies a slot against a Policy's two ranges.
type Class int

const (
	// Invalid slots are outside [1, MaxSlot()].
	Invalid Class = iota
	// Named slots are named "<username>" (slot 1) or "<username>-<slot>".
	Named
	// Random slots are named "<username>-<random6>".
	Random
)

// Policy derives tunnel names from a slot number, given two configured
// integer ranges. Named wins when the ranges overlap — the order of the
// classify checks is part of the contract (spec §4.2).
type Policy struct {
	Named  Range
	Random Range
}

// New builds a Policy from the raw "a-b" range strings (e.g. from
// config.Config.NamedTunnelsRange / RandomTunnelsRange).
func New(namedRange, randomRange string) Policy {
	return Policy{
		Named:  ParseRange(namedRange),
		Random: ParseRange(randomRange),
	}
}

// MaxSlot is the highest slot number accepted by either range.
func (p Policy) MaxSlot() int {
	if p.Named.End > p.Random.End {
		return p.Named.End
	}
	return p.Random.End
}

// Classify returns which class a slot belongs to. Named is checked before
// Random so that overlapping ranges resolve to Named (spec §4.2).
func (p Policy) Classify(slot int) Class {
	if slot < 1 || slot > p.MaxSlot() {
		return Invalid
	}
	if p.Named.Contains(slot) {
		return Named
	}
	if p.Random.Contains(slot) {
		return Random
	}
	// Outside both configured ranges but within [1, MaxSlot()]: treated as
	// Named with the same slot>1 naming rule (spec §4.2, "formalizes the
	// source's else-branch").
	return Named
}

// Name derives the tunnel name for (username, slot). It classifies the slot
// itself and returns an error when the slot is Invalid.
func (p Policy) Name(username string, slot int) (string, error) {
	switch p.Classify(slot) {
	case Invalid:
		return "", fmt.Errorf("slotpolicy: slot %d is invalid", slot)
	case Random:
		suffix, err := RandomSuffix()
		if err != nil {
			return "", err
		}
		return username + "-" + suffix, nil
	default: // Named
		if slot == 1 {
			return username, nil
		}
		return fmt.Sprintf("%s-%d", username, slot), nil
	}
}

const randomSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomSuffix returns a fresh six-character lowercase-alphanumeric string,
// drawn uniformly via a CSPRNG (matching the precedent set by the teacher's
// own token generator for anything that becomes an externally-visible name).
func RandomSuffix() (string, error) {
	const n = 6
	// Bytes at or above limit are discarded so that every alphabet symbol is
	// equally likely (256 is not a multiple of the alphabet size).
	limit := 256 - 256%len(randomSuffixAlphabet)
	buf := make([]byte, 1)
	out := make([]byte, 0, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("slotpolicy: read random bytes: %w", err)
		}
		if int(buf[0]) >= limit {
			continue
		}
		out = append(out, randomSuffixAlphabet[int(buf[0])%len(randomSuffixAlphabet)])
	}
	return string(out), nil
}
