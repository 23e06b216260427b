package game

import (
	"time"

	"github.com/geekgame/glitter/internal/telemetry"
)

const slowRenderThreshold = 100 * time.Millisecond

// Board is a rendered leaderboard. Rendering is cached per admin/normal
// view and invalidated by score changes and tick changes.
type Board interface {
	Lifecycle

	Key() string
	BoardType() string
	Rendered(isAdmin bool) map[string]any
	ClearRenderCache()
}

type boardBase struct {
	game *Game

	key       string
	boardType string
	name      string
	desc      string

	renderedAdmin  map[string]any
	renderedNormal map[string]any
}

func (b *boardBase) Key() string       { return b.key }
func (b *boardBase) BoardType() string { return b.boardType }

func (b *boardBase) rendered(isAdmin bool, render func(isAdmin bool) map[string]any) map[string]any {
	cached := &b.renderedNormal
	if isAdmin {
		cached = &b.renderedAdmin
	}
	if *cached == nil {
		t1 := time.Now()
		*cached = render(isAdmin)
		if d := time.Since(t1); d > slowRenderThreshold {
			b.game.Log(telemetry.LevelWarning, "board.render",
				"took %.2fs to render %s board %s", d.Seconds(), b.boardType, b.name)
		}
		telemetry.Metrics.BoardRenders.Inc()
	}
	return *cached
}

func (b *boardBase) ClearRenderCache() {
	b.renderedAdmin = nil
	b.renderedNormal = nil
}

func (b *boardBase) OnTickChange() {
	b.ClearRenderCache()
}

func inGroups(groups []string, g string) bool {
	if groups == nil {
		return true
	}
	for _, x := range groups {
		if x == g {
			return true
		}
	}
	return false
}

func nicknameOrDash(u *User) string {
	if n := u.Nickname(); n != "" {
		return n
	}
	return "--"
}

func badgesFor(u *User, isAdmin bool) []string {
	badges := u.Badges()
	if isAdmin {
		badges = append(badges, u.AdminBadges()...)
	}
	return badges
}
