package game

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/geekgame/glitter/internal/store"
	"github.com/geekgame/glitter/internal/telemetry"
)

type Challenges struct {
	game *Game

	List       []*Challenge
	ChallByID  map[int64]*Challenge
	ChallByKey map[string]*Challenge
}

func newChallenges(g *Game, stores []*store.Challenge) *Challenges {
	c := &Challenges{game: g}
	c.OnStoreReload(stores)
	return c
}

func (c *Challenges) afterChallChanged() {
	sort.Slice(c.List, func(i, j int) bool {
		return c.List[i].Store.SortingIndex < c.List[j].Store.SortingIndex
	})
	c.ChallByID = make(map[int64]*Challenge, len(c.List))
	c.ChallByKey = make(map[string]*Challenge, len(c.List))
	for _, ch := range c.List {
		c.ChallByID[ch.Store.ID] = ch
		c.ChallByKey[ch.Store.Key] = ch
	}
}

func (c *Challenges) OnStoreReload(stores []*store.Challenge) {
	c.List = make([]*Challenge, 0, len(stores))
	for _, s := range stores {
		c.List = append(c.List, newChallenge(c.game, s))
	}
	c.afterChallChanged()
	c.game.NeedReloadingScoreboard = true
}

func (c *Challenges) OnStoreUpdate(id int64, newStore *store.Challenge) {
	old := c.ChallByID[id]
	others := c.List[:0:0]
	for _, x := range c.List {
		if x.Store.ID != id {
			others = append(others, x)
		}
	}

	switch {
	case newStore == nil: // remove
		c.List = others
		c.game.NeedReloadingScoreboard = true
	case old == nil: // add
		c.List = append(others, newChallenge(c.game, newStore))
		c.game.NeedReloadingScoreboard = true
	default: // modify
		old.OnStoreReload(newStore)
	}

	c.afterChallChanged()

	// challenge title or metadata may be on a rendered board
	c.game.ClearBoardsRenderCache()
}

func (c *Challenges) OnTickChange() {
	for _, ch := range c.List {
		ch.OnTickChange()
	}
}

func (c *Challenges) OnScoreboardReset() {
	for _, ch := range c.List {
		ch.OnScoreboardReset()
	}
}

func (c *Challenges) OnScoreboardUpdate(sub *Submission, inBatch bool) {
	if sub.Challenge != nil {
		sub.Challenge.OnScoreboardUpdate(sub, inBatch)
	}
}

func (c *Challenges) OnScoreboardBatchUpdateDone() {}

type Challenge struct {
	game  *Game
	Store *store.Challenge

	CurEffective bool
	Flags        []*Flag
	Attachments  map[string]store.ActionDef

	PassedUsers  map[int64]*User
	TouchedUsers map[int64]*User

	TotBaseScore int64
	TotCurScore  int64

	rendered *renderCache
}

func newChallenge(g *Game, s *store.Challenge) *Challenge {
	ch := &Challenge{
		game:     g,
		Store:    s,
		rendered: newRenderCache(),
	}
	ch.PassedUsers = make(map[int64]*User)
	ch.TouchedUsers = make(map[int64]*User)
	ch.OnStoreReload(s)
	return ch
}

func (ch *Challenge) OnStoreReload(s *store.Challenge) {
	if s.EffectiveAfter != ch.Store.EffectiveAfter {
		ch.game.NeedReloadingScoreboard = true
	}
	if s.Key != ch.Store.Key {
		for _, f := range ch.Flags {
			f.clearCorrectFlagCache()
		}
		ch.game.NeedReloadingScoreboard = true
	}

	oldFlags := ch.Store.Flags
	ch.Store = s

	ch.Attachments = make(map[string]store.ActionDef)
	for _, a := range s.Actions {
		if a.Type == "attachment" || a.Type == "dyn_attachment" {
			ch.Attachments[a.Filename] = a
		}
	}

	if ch.Flags == nil || !reflect.DeepEqual(oldFlags, s.Flags) {
		ch.Flags = make([]*Flag, 0, len(s.Flags))
		for i, def := range s.Flags {
			ch.Flags = append(ch.Flags, newFlag(ch.game, def, ch, i))
		}
		ch.game.NeedReloadingScoreboard = true
	}

	ch.rendered.clear()
	ch.OnTickChange()
}

// RenderDesc renders the challenge description for a user's group at the
// current tick.
func (ch *Challenge) RenderDesc(group string) string {
	return ch.rendered.get(ch.game.CurTick, group, func() (string, error) {
		return renderTemplate(ch.Store.DescTemplate, ch.game.CurTick, group)
	}, func(err error) {
		ch.game.Log(telemetry.LevelError, "challenge.render_template",
			"template render failed: %s (%s): %v", ch.Store.Key, ch.Store.Title, err)
	})
}

func (ch *Challenge) OnTickChange() {
	ch.CurEffective = ch.game.CurTick >= ch.Store.EffectiveAfter
	for _, f := range ch.Flags {
		f.OnTickChange()
	}
}

func (ch *Challenge) OnScoreboardReset() {
	ch.PassedUsers = make(map[int64]*User)
	ch.TouchedUsers = make(map[int64]*User)
	for _, f := range ch.Flags {
		f.OnScoreboardReset()
	}
	ch.updateTotScore()
}

func (ch *Challenge) OnScoreboardUpdate(sub *Submission, inBatch bool) {
	if sub.MatchedFlag == nil {
		return
	}

	sub.MatchedFlag.OnScoreboardUpdate(sub, inBatch)
	ch.updateTotScore()
	ch.TouchedUsers[sub.User.Store.ID] = sub.User

	allPassed := true
	for _, f := range ch.Flags {
		if _, ok := f.PassedUsers[sub.User.Store.ID]; !ok {
			allPassed = false
			break
		}
	}
	if allPassed {
		ch.PassedUsers[sub.User.Store.ID] = sub.User
	}
}

func (ch *Challenge) updateTotScore() {
	ch.TotBaseScore = 0
	ch.TotCurScore = 0
	for _, f := range ch.Flags {
		ch.TotBaseScore += f.Def.BaseScore
		ch.TotCurScore += f.CurScore
	}
}

// UserStatus describes one user's progress on this challenge, with a
// "-deducted" suffix when any of their passing submissions was overridden.
func (ch *Challenge) UserStatus(u *User) string {
	if u != nil {
		suffix := ""
		if ch.IsUserDeducted(u) {
			suffix = "-deducted"
		}
		if _, ok := ch.PassedUsers[u.Store.ID]; ok {
			return "passed" + suffix
		}
		if _, ok := ch.TouchedUsers[u.Store.ID]; ok {
			return "partial" + suffix
		}
	}
	return "untouched"
}

func (ch *Challenge) IsUserDeducted(u *User) bool {
	for _, f := range ch.Flags {
		if f.IsUserDeducted(u) {
			return true
		}
	}
	return false
}

// DescribeActions lists the player-visible actions at the given tick.
// Attachment paths stay server-side; only filenames are exposed.
func (ch *Challenge) DescribeActions(curTick int64) []map[string]any {
	var ret []map[string]any
	for _, a := range ch.Store.Actions {
		if a.Name == nil || curTick < a.EffectiveAfter {
			continue
		}
		switch a.Type {
		case "attachment", "dyn_attachment":
			ret = append(ret, map[string]any{
				"type":     "attachment",
				"name":     *a.Name,
				"filename": a.Filename,
			})
		case "webpage":
			ret = append(ret, map[string]any{
				"type": a.Type, "name": *a.Name, "url": a.URL,
			})
		case "webdocker":
			ret = append(ret, map[string]any{
				"type": a.Type, "name": *a.Name, "host": a.Host,
			})
		case "terminal":
			ret = append(ret, map[string]any{
				"type": a.Type, "name": *a.Name, "host": a.Host, "port": a.Port,
			})
		}
	}
	return ret
}

// DescribeMetadata redacts author and first blood eligibility depending on
// context: authors are hidden until the board window closes, and the award
// flag only shows on the main first blood board or outside boards entirely.
func (ch *Challenge) DescribeMetadata(board Board) map[string]any {
	m := ch.Store.Metadata

	isMainBoard := false
	if fb, ok := board.(*FirstBloodBoard); ok {
		isMainBoard = sameGroups(fb.Groups, ch.game.Rules.MainBoardGroups)
	}

	eligible := m.FirstBloodAwardEligible != nil && *m.FirstBloodAwardEligible
	var author any
	if ch.game.CurTick >= ch.game.Rules.TickBoardEnd && m.Author != "" {
		author = m.Author
	}
	return map[string]any{
		"first_blood_award_eligible": eligible && (isMainBoard || board == nil),
		"author":                     author,
	}
}

func sameGroups(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (ch *Challenge) String() string {
	return fmt.Sprintf("[Ch#%d %s: %s]", ch.Store.ID, ch.Store.Key, ch.Store.Title)
}
