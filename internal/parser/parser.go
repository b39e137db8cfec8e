// Package parser extracts structured telemetry from Minecraft console output.
//
// The pattern table is the only telemetry source for a server, so it is kept
// free of process plumbing and can be exercised directly.
package parser

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies what a parsed Event describes.
type Kind int

const (
	PlayerJoined Kind = iota
	PlayerLeft
	PlayerList
	TPSSample
)

func (k Kind) String() string {
	switch k {
	case PlayerJoined:
		return "player_joined"
	case PlayerLeft:
		return "player_left"
	case PlayerList:
		return "player_list"
	case TPSSample:
		return "tps"
	default:
		return "unknown"
	}
}

// Event is one fact found in a chunk. Only the field matching Kind is set.
type Event struct {
	Kind    Kind
	Player  string   // PlayerJoined, PlayerLeft
	Players []string // PlayerList; empty (non-nil) when nobody is online
	TPS     float64  // TPSSample
}

// Parser turns a console chunk into events. Implementations must not panic
// on arbitrary input.
type Parser interface {
	Parse(chunk string) []Event
}

var (
	joinRe = regexp.MustCompile(`(\w+) joined the game`)
	leftRe = regexp.MustCompile(`(\w+) left the game`)
	listRe = regexp.MustCompile(`There are (\d+) of a max of (\d+) players online:([^\r\n]*)`)

	// Tried in order; the first one yielding a finite number wins.
	tpsRes = []*regexp.Regexp{
		regexp.MustCompile(`TPS from last 1m, 5m, 15m: \*?([0-9]+(?:\.[0-9]+)?)`),
		regexp.MustCompile(`Current TPS = ([0-9]+(?:\.[0-9]+)?)`),
		regexp.MustCompile(`TPS: ([0-9]+(?:\.[0-9]+)?)`),
	}
)

// Console is the vanilla/Paper/Spigot console pattern table.
type Console struct{}

func (Console) Parse(chunk string) []Event { return ParseChunk(chunk) }

// ParseChunk scans chunk independently for joins, leaves, player-list
// snapshots and a TPS sample, returning events in that order.
// Chunks need not be line aligned; patterns split across chunks are missed.
func ParseChunk(chunk string) []Event {
	var out []Event
	for _, m := range joinRe.FindAllStringSubmatch(chunk, -1) {
		out = append(out, Event{Kind: PlayerJoined, Player: m[1]})
	}
	for _, m := range leftRe.FindAllStringSubmatch(chunk, -1) {
		out = append(out, Event{Kind: PlayerLeft, Player: m[1]})
	}
	for _, m := range listRe.FindAllStringSubmatch(chunk, -1) {
		out = append(out, Event{Kind: PlayerList, Players: splitPlayers(m[3])})
	}
	if tps, ok := parseTPS(chunk); ok {
		out = append(out, Event{Kind: TPSSample, TPS: tps})
	}
	return out
}

func splitPlayers(s string) []string {
	players := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			players = append(players, p)
		}
	}
	return players
}

func parseTPS(chunk string) (float64, bool) {
	for _, re := range tpsRes {
		m := re.FindStringSubmatch(chunk)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		return v, true
	}
	return 0, false
}
