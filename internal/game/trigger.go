package game

import (
	"sort"

	"github.com/geekgame/glitter/internal/store"
)

// TSInfS is a timestamp far enough in the future to mean "never".
const TSInfS int64 = 90000000000

// TriggerState answers "what tick is it" from the sorted trigger list.
type TriggerState struct {
	game   *Game
	stores []*store.Trigger

	// Wall-clock window rendered on score graphs, derived from the
	// board begin/end sentinel ticks.
	BoardBeginTS int64
	BoardEndTS   int64
}

func newTriggerState(g *Game, stores []*store.Trigger) *TriggerState {
	t := &TriggerState{game: g}
	t.OnStoreReload(stores)
	return t
}

func (t *TriggerState) OnStoreReload(stores []*store.Trigger) {
	sorted := make([]*store.Trigger, len(stores))
	copy(sorted, stores)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TimestampS < sorted[j].TimestampS })
	t.stores = sorted

	t.BoardBeginTS = 0
	t.BoardEndTS = TSInfS
	for _, s := range t.stores {
		if s.Tick == t.game.Rules.TickBoardBegin {
			t.BoardBeginTS = s.TimestampS
		}
		if s.Tick == t.game.Rules.TickBoardEnd {
			t.BoardEndTS = s.TimestampS
		}
	}

	t.game.NeedReloadingScoreboard = true
}

// ByTick returns the trigger declaring the given tick, or nil.
func (t *TriggerState) ByTick(tick int64) *store.Trigger {
	for _, s := range t.stores {
		if s.Tick == tick {
			return s
		}
	}
	return nil
}

// TickAtTime returns the tick active at timestampS and the timestamp at
// which that tick expires (TSInfS when it never does).
func (t *TriggerState) TickAtTime(timestampS int64) (tick int64, expires int64) {
	if len(t.stores) == 0 {
		return 0, TSInfS
	}

	idx := -1
	for i, s := range t.stores {
		if s.TimestampS <= timestampS {
			idx = i
		}
	}
	if idx < 0 {
		return 0, t.stores[0].TimestampS
	}

	expires = TSInfS
	if idx < len(t.stores)-1 {
		expires = t.stores[idx+1].TimestampS
	}
	return t.stores[idx].Tick, expires
}
