package game

import (
	"sort"

	"github.com/geekgame/glitter/internal/store"
)

// PolicyState tracks which game policy phase is currently in force.
type PolicyState struct {
	game   *Game
	stores []*store.GamePolicy

	Cur *store.GamePolicy
}

func newPolicyState(g *Game, stores []*store.GamePolicy) *PolicyState {
	p := &PolicyState{game: g, Cur: store.FallbackPolicy()}
	p.OnStoreReload(stores)
	return p
}

func (p *PolicyState) OnStoreReload(stores []*store.GamePolicy) {
	sorted := make([]*store.GamePolicy, len(stores))
	copy(sorted, stores)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EffectiveAfter < sorted[j].EffectiveAfter })
	p.stores = sorted

	p.OnTickChange()
	p.game.NeedReloadingScoreboard = true
}

func (p *PolicyState) PolicyAtTick(tick int64) *store.GamePolicy {
	ret := store.FallbackPolicy()
	for _, s := range p.stores {
		if s.EffectiveAfter <= tick {
			ret = s
		}
	}
	return ret
}

func (p *PolicyState) PolicyAtTime(timestampS int64) *store.GamePolicy {
	tick, _ := p.game.Trigger.TickAtTime(timestampS)
	return p.PolicyAtTick(tick)
}

func (p *PolicyState) OnTickChange() {
	p.Cur = p.PolicyAtTick(p.game.CurTick)
}

func (p *PolicyState) OnScoreboardReset() {}
