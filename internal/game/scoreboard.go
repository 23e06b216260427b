package game

import (
	"sort"
	"strconv"

	"github.com/geekgame/glitter/internal/config"
	"github.com/geekgame/glitter/internal/telemetry"
)

const maxTopstarUsers = 10

type scoreBoardItem struct {
	User  *User
	Score int64
}

type ScoreBoard struct {
	boardBase

	Groups          []string // nil means every group
	ShowGroup       bool
	MaxDisplayUsers int

	Items     []scoreBoardItem
	UIDToRank map[int64]int
}

func newScoreBoard(g *Game, def config.BoardDef) *ScoreBoard {
	maxUsers := def.MaxDisplayUsers
	if maxUsers <= 0 {
		maxUsers = 100
	}
	return &ScoreBoard{
		boardBase: boardBase{
			game:      g,
			key:       def.Key,
			boardType: "score",
			name:      def.Name,
			desc:      def.Desc,
		},
		Groups:          def.Groups,
		ShowGroup:       def.ShowGroup,
		MaxDisplayUsers: maxUsers,
	}
}

func (b *ScoreBoard) updateBoard() {
	b.Items = b.Items[:0]
	for _, u := range b.game.Users.List {
		if u.TotScore > 0 && inGroups(b.Groups, u.Store.Group) {
			b.Items = append(b.Items, scoreBoardItem{User: u, Score: u.TotScore})
		}
	}

	// Highest score first; ties break toward whoever got there earlier.
	sort.SliceStable(b.Items, func(i, j int) bool {
		if b.Items[i].Score != b.Items[j].Score {
			return b.Items[i].Score > b.Items[j].Score
		}
		var li, lj int64 = -1, -1
		if s := b.Items[i].User.LastSuccSubmission(); s != nil {
			li = s.Store.ID
		}
		if s := b.Items[j].User.LastSuccSubmission(); s != nil {
			lj = s.Store.ID
		}
		return li < lj
	})

	b.UIDToRank = make(map[int64]int, len(b.Items))
	for idx, item := range b.Items {
		b.UIDToRank[item.User.Store.ID] = idx + 1
	}
}

func (b *ScoreBoard) Rendered(isAdmin bool) map[string]any {
	return b.rendered(isAdmin, b.render)
}

func (b *ScoreBoard) render(isAdmin bool) map[string]any {
	g := b.game
	g.Log(telemetry.LevelDebug, "board.render", "rendering score board %s", b.name)

	var challenges []map[string]any
	for _, ch := range g.Challenges.List {
		if !ch.CurEffective {
			continue
		}
		flagNames := make([]string, 0, len(ch.Flags))
		for _, f := range ch.Flags {
			flagNames = append(flagNames, f.Def.Name)
		}
		challenges = append(challenges, map[string]any{
			"key":      ch.Store.Key,
			"title":    ch.Store.Title,
			"category": ch.Store.Category,
			"flags":    flagNames,
		})
	}

	display := b.Items
	if len(display) > b.MaxDisplayUsers {
		display = display[:b.MaxDisplayUsers]
	}

	list := make([]map[string]any, 0, len(display))
	for idx, item := range display {
		u := item.User

		var groupDisp any
		if b.ShowGroup {
			groupDisp = g.Rules.GroupDisp(u.Store.Group)
		}

		var lastSuccTS any
		if s := u.LastSuccSubmission(); s != nil {
			lastSuccTS = s.Store.TimestampMS / 1000
		}

		challengeStatus := map[string]string{}
		for _, ch := range g.Challenges.List {
			if !ch.CurEffective {
				continue
			}
			if status := ch.UserStatus(u); status != "untouched" {
				challengeStatus[ch.Store.Key] = status
			}
		}

		flagStatus := map[string][2]int64{}
		for f, sub := range u.PassedFlags {
			flagStatus[flagStatusKey(f)] = [2]int64{
				sub.Store.TimestampMS / 1000,
				sub.GainedScore(),
			}
		}

		list = append(list, map[string]any{
			"uid":                     u.Store.ID,
			"rank":                    idx + 1,
			"nickname":                nicknameOrDash(u),
			"group_disp":              groupDisp,
			"badges":                  badgesFor(u, isAdmin),
			"score":                   item.Score,
			"last_succ_submission_ts": lastSuccTS,
			"challenge_status":        challengeStatus,
			"flag_status":             flagStatus,
		})
	}

	topstars := make([]map[string]any, 0, maxTopstarUsers)
	for _, item := range b.Items {
		if len(topstars) >= maxTopstarUsers {
			break
		}
		topstars = append(topstars, map[string]any{
			"uid":      item.User.Store.ID,
			"nickname": nicknameOrDash(item.User),
			"history":  item.User.ScoreHistoryDiff(),
		})
	}

	return map[string]any{
		"name":       b.name,
		"desc":       b.desc,
		"challenges": challenges,
		"list":       list,
		"topstars":   topstars,
		"time_range": [2]int64{g.Trigger.BoardBeginTS, g.Trigger.BoardEndTS},
	}
}

func flagStatusKey(f *Flag) string {
	return f.Challenge.Store.Key + "_" + strconv.Itoa(f.Idx0)
}

func (b *ScoreBoard) OnScoreboardReset() {
	b.Items = nil
	b.UIDToRank = nil
	b.ClearRenderCache()
}

func (b *ScoreBoard) OnScoreboardUpdate(sub *Submission, inBatch bool) {
	if !inBatch && sub.MatchedFlag != nil {
		if inGroups(b.Groups, sub.User.Store.Group) {
			b.updateBoard()
			b.ClearRenderCache()
		}
	}
}

func (b *ScoreBoard) OnScoreboardBatchUpdateDone() {
	b.updateBoard()
	b.ClearRenderCache()
}
