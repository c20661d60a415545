// Package idgen assigns claim numbers. Numbers come from a snowflake node so
// they are unique across processes given distinct node ids and sort by
// creation time.
package idgen

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
)

const ClaimPrefix = "CLM-"

// Generator issues claim numbers.
type Generator interface {
	NextClaimNumber() string
}

type SnowflakeGenerator struct {
	node *snowflake.Node
}

// NewSnowflake returns a generator bound to nodeID (0..1023).
func NewSnowflake(nodeID int64) (*SnowflakeGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &SnowflakeGenerator{node: node}, nil
}

func (g *SnowflakeGenerator) NextClaimNumber() string {
	return ClaimPrefix + strings.ToUpper(g.node.Generate().Base36())
}

// ParseClaimNumber returns the snowflake id behind a claim number.
func ParseClaimNumber(number string) (snowflake.ID, error) {
	raw, ok := strings.CutPrefix(strings.ToUpper(strings.TrimSpace(number)), ClaimPrefix)
	if !ok || raw == "" {
		return 0, fmt.Errorf("claim number %q: missing %s prefix", number, ClaimPrefix)
	}
	id, err := snowflake.ParseBase36(strings.ToLower(raw))
	if err != nil {
		return 0, fmt.Errorf("claim number %q: %w", number, err)
	}
	return id, nil
}

// NormalizeClaimNumber accepts "clm-abc", "ABC" or "#CLM-ABC" and returns the
// canonical form. It does not check that the number exists.
func NormalizeClaimNumber(s string) string {
	s = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "#")))
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, ClaimPrefix) {
		s = ClaimPrefix + s
	}
	return s
}
