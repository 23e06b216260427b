package game

import (
	"sort"

	"github.com/geekgame/glitter/internal/bus"
	"github.com/geekgame/glitter/internal/store"
	"github.com/geekgame/glitter/internal/telemetry"
)

// Announcements keeps the announcement list newest-first and pushes a
// notification when a new one appears.
type Announcements struct {
	game *Game
	List []*Announcement
}

func newAnnouncements(g *Game, stores []*store.Announcement) *Announcements {
	a := &Announcements{game: g}
	a.OnStoreReload(stores)
	return a
}

func (a *Announcements) sortList() {
	sort.Slice(a.List, func(i, j int) bool { return a.List[i].Store.ID > a.List[j].Store.ID })
}

func (a *Announcements) OnStoreReload(stores []*store.Announcement) {
	a.List = make([]*Announcement, 0, len(stores))
	for _, s := range stores {
		a.List = append(a.List, newAnnouncement(a.game, s))
	}
	a.sortList()
}

func (a *Announcements) OnStoreUpdate(id int64, newStore *store.Announcement) {
	others := a.List[:0:0]
	for _, x := range a.List {
		if x.Store.ID != id {
			others = append(others, x)
		}
	}

	if newStore == nil {
		a.List = others
	} else {
		if len(others) == len(a.List) {
			a.game.host.EmitLocalMessage(bus.Message{
				Type:    "new_announcement",
				Payload: newStore.Title,
			})
		}
		a.List = append(others, newAnnouncement(a.game, newStore))
	}
	a.sortList()
}

type Announcement struct {
	game  *Game
	Store *store.Announcement

	rendered *renderCache
}

func newAnnouncement(g *Game, s *store.Announcement) *Announcement {
	return &Announcement{game: g, Store: s, rendered: newRenderCache()}
}

// RenderContent renders the announcement body for a group at the current
// tick. Render failures are logged, not fatal.
func (an *Announcement) RenderContent(group string) string {
	return an.rendered.get(an.game.CurTick, group, func() (string, error) {
		return renderTemplate(an.Store.ContentTemplate, an.game.CurTick, group)
	}, func(err error) {
		an.game.Log(telemetry.LevelError, "announcement.render_template",
			"template render failed: %d (%s): %v", an.Store.ID, an.Store.Title, err)
	})
}

func (an *Announcement) Describe(group string) map[string]any {
	return map[string]any{
		"id":          an.Store.ID,
		"title":       an.Store.Title,
		"timestamp_s": an.Store.TimestampS,
		"content":     an.RenderContent(group),
	}
}
