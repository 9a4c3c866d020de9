package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// chainIDs maps the chain names accepted in ALLOWED_CHAINS to their IDs
var chainIDs = map[string]uint64{
	"ETHEREUM":  1,
	"POLYGON":   137,
	"ARBITRUM":  42161,
	"AVALANCHE": 43114,
	"BSC":       56,
	"ZETACHAIN": 7000,
	"BASE":      8453,
}

// GetChainName returns the name of the chain for a given chain ID
func GetChainName(chainID uint64) string {
	for name, id := range chainIDs {
		if id == chainID {
			return name
		}
	}
	return ""
}

// ParseChains parses a comma separated list of chain names or numeric IDs,
// e.g. "base,arbitrum,7000". The result is sorted and free of duplicates.
func ParseChains(s string) ([]uint64, error) {
	seen := make(map[uint64]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, ok := chainIDs[strings.ToUpper(part)]; ok {
			seen[id] = true
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid chain %q, must be a known chain name or a chain ID", part)
		}
		seen[id] = true
	}

	chains := make([]uint64, 0, len(seen))
	for id := range seen {
		chains = append(chains, id)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains, nil
}
