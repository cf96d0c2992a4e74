package conflict

import "fmt"

// Strategy selects the rule used to pick a winner between two disagreeing
// state views. It is chosen at room-configuration time and advertised to
// members on join.
type Strategy int

const (
	// StrategyServerWins always keeps the currently-held (authority) state.
	// The default under a central relay.
	StrategyServerWins Strategy = iota
	// StrategyLatestTimestamp adopts whichever state was stamped later.
	// The default under a peer-to-peer binding.
	StrategyLatestTimestamp
	// StrategyConsensus polls peers and adopts the majority view.
	StrategyConsensus
)

func (s Strategy) String() string {
	switch s {
	case StrategyServerWins:
		return "server-wins"
	case StrategyLatestTimestamp:
		return "latest-timestamp"
	case StrategyConsensus:
		return "consensus"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy maps a configuration string to its Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "server-wins", "":
		return StrategyServerWins, nil
	case "latest-timestamp":
		return StrategyLatestTimestamp, nil
	case "consensus":
		return StrategyConsensus, nil
	default:
		return StrategyServerWins, fmt.Errorf("unknown conflict strategy %q", s)
	}
}
