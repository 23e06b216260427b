// Package game is the in-memory projection of the whole contest. The
// reducer and every worker each hold one Game and mutate it only through
// the lifecycle callbacks, so identical event streams produce identical
// projections.
package game

import (
	"fmt"

	"github.com/geekgame/glitter/internal/bus"
	"github.com/geekgame/glitter/internal/config"
	"github.com/geekgame/glitter/internal/store"
	"github.com/geekgame/glitter/internal/telemetry"
)

// Lifecycle is implemented by every projection node. Events fan down the
// tree from Game; batch replay defers expensive aggregation to
// OnScoreboardBatchUpdateDone.
type Lifecycle interface {
	OnTickChange()
	OnScoreboardReset()
	OnScoreboardUpdate(sub *Submission, inBatch bool)
	OnScoreboardBatchUpdateDone()
}

// Host is what the projection needs from its owning process: log routing
// and a way to emit push-worthy moments.
type Host interface {
	Log(level telemetry.Level, module, format string, args ...any)
	EmitLocalMessage(m bus.Message)
}

type Game struct {
	host  Host
	Rules *config.Rules

	CurTick                 int64
	NeedReloadingScoreboard bool
	Submissions             map[int64]*Submission
	NCorrSubmission         int64

	Trigger       *TriggerState
	Policy        *PolicyState
	Announcements *Announcements
	Challenges    *Challenges
	Users         *Users
	Boards        map[string]Board

	// Declaration order from the rules file, so event fanout and pushes
	// are deterministic across processes.
	boardOrder []string
}

type Stores struct {
	Triggers      []*store.Trigger
	Policies      []*store.GamePolicy
	Announcements []*store.Announcement
	Challenges    []*store.Challenge
	Users         []*store.User
}

func New(host Host, rules *config.Rules, curTick int64, st Stores, useBoards bool) *Game {
	g := &Game{
		host:        host,
		Rules:       rules,
		CurTick:     curTick,
		Submissions: make(map[int64]*Submission),

		NeedReloadingScoreboard: true,
	}

	g.Trigger = newTriggerState(g, st.Triggers)
	g.Policy = newPolicyState(g, st.Policies)
	g.Announcements = newAnnouncements(g, st.Announcements)
	g.Challenges = newChallenges(g, st.Challenges)
	g.Users = newUsers(g, st.Users)

	g.Boards = map[string]Board{}
	if useBoards {
		for _, def := range rules.Boards {
			switch def.Type {
			case "score":
				g.Boards[def.Key] = newScoreBoard(g, def)
			case "firstblood":
				g.Boards[def.Key] = newFirstBloodBoard(g, def)
			}
			g.boardOrder = append(g.boardOrder, def.Key)
		}
	}
	return g
}

func (g *Game) eachBoard(fn func(Board)) {
	for _, key := range g.boardOrder {
		fn(g.Boards[key])
	}
}

func (g *Game) Log(level telemetry.Level, module, format string, args ...any) {
	g.host.Log(level, module, format, args...)
}

func (g *Game) OnTickChange() {
	g.Policy.OnTickChange()
	g.Challenges.OnTickChange()
	g.Users.OnTickChange()
	g.eachBoard(Board.OnTickChange)
}

func (g *Game) OnScoreboardReset() {
	g.Submissions = make(map[int64]*Submission)
	g.NCorrSubmission = 0

	g.Policy.OnScoreboardReset()
	g.Challenges.OnScoreboardReset()
	g.Users.OnScoreboardReset()
	g.eachBoard(Board.OnScoreboardReset)
}

func (g *Game) OnScoreboardUpdate(sub *Submission, inBatch bool) {
	if _, dup := g.Submissions[sub.Store.ID]; dup {
		g.Log(telemetry.LevelError, "game.on_scoreboard_update",
			"dropping processed submission #%d", sub.Store.ID)
		return
	}

	if !inBatch {
		g.Log(telemetry.LevelDebug, "game.on_scoreboard_update",
			"received submission #%d", sub.Store.ID)
	}

	g.Submissions[sub.Store.ID] = sub

	g.Challenges.OnScoreboardUpdate(sub, inBatch)
	g.Users.OnScoreboardUpdate(sub, inBatch)
	g.eachBoard(func(b Board) { b.OnScoreboardUpdate(sub, inBatch) })

	if sub.MatchedFlag != nil {
		g.NCorrSubmission++
	}
}

func (g *Game) OnScoreboardBatchUpdateDone() {
	g.Log(telemetry.LevelDebug, "game.on_scoreboard_batch_update_done",
		"batch update received %d submissions", len(g.Submissions))

	g.Challenges.OnScoreboardBatchUpdateDone()
	g.Users.OnScoreboardBatchUpdateDone()
	g.eachBoard(Board.OnScoreboardBatchUpdateDone)
}

func (g *Game) ClearBoardsRenderCache() {
	for _, b := range g.Boards {
		b.ClearRenderCache()
	}
}

func (g *Game) String() string {
	return fmt.Sprintf("[Game tick=%d users=%d challs=%d subs=%d]",
		g.CurTick, len(g.Users.List), len(g.Challenges.List), len(g.Submissions))
}
