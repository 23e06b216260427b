package game

import (
	"github.com/geekgame/glitter/internal/bus"
	"github.com/geekgame/glitter/internal/config"
	"github.com/geekgame/glitter/internal/telemetry"
)

type FirstBloodBoard struct {
	boardBase

	Groups    []string // nil means every group
	ShowGroup bool

	ChallBoard map[*Challenge]*Submission
	FlagBoard  map[*Flag]*Submission
}

func newFirstBloodBoard(g *Game, def config.BoardDef) *FirstBloodBoard {
	return &FirstBloodBoard{
		boardBase: boardBase{
			game:      g,
			key:       def.Key,
			boardType: "firstblood",
			name:      def.Name,
			desc:      def.Desc,
		},
		Groups:     def.Groups,
		ShowGroup:  def.ShowGroup,
		ChallBoard: make(map[*Challenge]*Submission),
		FlagBoard:  make(map[*Flag]*Submission),
	}
}

func (b *FirstBloodBoard) Rendered(isAdmin bool) map[string]any {
	return b.rendered(isAdmin, b.render)
}

func (b *FirstBloodBoard) bloodEntry(flagName any, sub *Submission, isAdmin bool) map[string]any {
	entry := map[string]any{
		"flag_name":  flagName,
		"uid":        nil,
		"nickname":   nil,
		"group_disp": nil,
		"badges":     nil,
		"timestamp":  nil,
	}
	if sub == nil {
		return entry
	}
	entry["uid"] = sub.User.Store.ID
	entry["nickname"] = nicknameOrDash(sub.User)
	if b.ShowGroup {
		entry["group_disp"] = b.game.Rules.GroupDisp(sub.User.Store.Group)
	}
	entry["badges"] = badgesFor(sub.User, isAdmin)
	entry["timestamp"] = sub.Store.TimestampMS / 1000
	return entry
}

func (b *FirstBloodBoard) render(isAdmin bool) map[string]any {
	g := b.game
	g.Log(telemetry.LevelDebug, "board.render", "rendering first blood board %s", b.name)

	var list []map[string]any
	for _, ch := range g.Challenges.List {
		if !ch.CurEffective {
			continue
		}

		flags := []map[string]any{b.bloodEntry(nil, b.ChallBoard[ch], isAdmin)}
		if len(ch.Flags) > 1 {
			for _, f := range ch.Flags {
				flags = append(flags, b.bloodEntry(f.Def.Name, b.FlagBoard[f], isAdmin))
			}
		}

		list = append(list, map[string]any{
			"title":    ch.Store.Title,
			"key":      ch.Store.Key,
			"metadata": ch.DescribeMetadata(b),
			"flags":    flags,
		})
	}

	return map[string]any{
		"name": b.name,
		"desc": b.desc,
		"list": list,
	}
}

func (b *FirstBloodBoard) OnScoreboardReset() {
	b.ChallBoard = make(map[*Challenge]*Submission)
	b.FlagBoard = make(map[*Flag]*Submission)
	b.ClearRenderCache()
}

func (b *FirstBloodBoard) OnScoreboardUpdate(sub *Submission, inBatch bool) {
	if sub.MatchedFlag == nil {
		return
	}

	// A main-board user's blood on a wider board would duplicate the push
	// already sent from the main board.
	skipPush := inBatch ||
		(b.game.Rules.InMainBoard(sub.User.Store.Group) &&
			!sameGroups(b.Groups, b.game.Rules.MainBoardGroups))

	if !inGroups(b.Groups, sub.User.Store.Group) {
		return
	}

	_, passedAllFlags := sub.User.PassedChalls[sub.Challenge]

	if _, taken := b.FlagBoard[sub.MatchedFlag]; !taken {
		b.FlagBoard[sub.MatchedFlag] = sub

		if !skipPush && !passedAllFlags {
			b.game.host.EmitLocalMessage(bus.Message{
				Type: "flag_first_blood",
				Payload: "【" + b.name + "】" + nicknameOrDash(sub.User) +
					" 拿到了 " + sub.Challenge.Store.Title + " / " + sub.MatchedFlag.Def.Name + " 的一血",
				ToGroups:   b.Groups,
				Submission: sub,
			})
		}
	}

	if passedAllFlags {
		if _, taken := b.ChallBoard[sub.Challenge]; !taken {
			b.ChallBoard[sub.Challenge] = sub

			if !skipPush {
				b.game.host.EmitLocalMessage(bus.Message{
					Type: "challenge_first_blood",
					Payload: "【" + b.name + "】" + nicknameOrDash(sub.User) +
						" 拿到了 " + sub.Challenge.Store.Title + " 的一血",
					ToGroups:   b.Groups,
					Submission: sub,
				})
			}
		}
	}

	b.ClearRenderCache()
}

func (b *FirstBloodBoard) OnScoreboardBatchUpdateDone() {}
