package game

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"sort"

	"github.com/geekgame/glitter/internal/store"
)

type Users struct {
	game *Game

	List            []*User
	UserByID        map[int64]*User
	UserByLoginKey  map[string]*User
	UserByAuthToken map[string]*User
}

func newUsers(g *Game, stores []*store.User) *Users {
	u := &Users{game: g}
	u.OnStoreReload(stores)
	return u
}

func (us *Users) updateAuxDicts() {
	us.UserByID = make(map[int64]*User, len(us.List))
	us.UserByLoginKey = make(map[string]*User, len(us.List))
	us.UserByAuthToken = make(map[string]*User, len(us.List))
	for _, u := range us.List {
		us.UserByID[u.Store.ID] = u
		us.UserByLoginKey[u.Store.LoginKey] = u
		if u.Store.AuthToken.Valid {
			us.UserByAuthToken[u.Store.AuthToken.String] = u
		}
	}
}

func (us *Users) OnStoreReload(stores []*store.User) {
	us.List = make([]*User, 0, len(stores))
	for _, s := range stores {
		us.List = append(us.List, newUser(us.game, s))
	}
	us.updateAuxDicts()
	us.game.NeedReloadingScoreboard = true
}

func (us *Users) OnStoreUpdate(id int64, newStore *store.User) {
	old := us.UserByID[id]

	switch {
	case newStore == nil: // remove
		others := us.List[:0:0]
		for _, x := range us.List {
			if x.Store.ID != id {
				others = append(others, x)
			}
		}
		us.List = others
		us.game.NeedReloadingScoreboard = true
	case old == nil: // add; no submissions yet, no scoreboard reload needed
		us.List = append(us.List, newUser(us.game, newStore))
	default: // modify
		old.OnStoreReload(newStore)
	}

	us.updateAuxDicts()

	if old != nil && old.TotScore > 0 { // maybe on a board with a changed profile
		us.game.ClearBoardsRenderCache()
	}
}

func (us *Users) OnTickChange() {}

func (us *Users) OnScoreboardReset() {
	for _, u := range us.List {
		u.OnScoreboardReset()
	}
}

func (us *Users) OnScoreboardUpdate(sub *Submission, inBatch bool) {
	sub.User.OnScoreboardUpdate(sub, inBatch)
}

func (us *Users) OnScoreboardBatchUpdateDone() {
	for _, u := range us.List {
		u.OnScoreboardBatchUpdateDone()
	}
}

// ScoreHistory is a compact score-over-time series: deltas against the
// previous point, zero deltas elided, same-second changes merged.
type ScoreHistory struct {
	lastTS    int64
	lastScore int64
	Diff      [][2]int64 // (ts delta, score delta)
}

func (h *ScoreHistory) Append(ts, score int64) {
	scoreDiff := score - h.lastScore
	if scoreDiff == 0 {
		return
	}
	tsDiff := ts - h.lastTS

	if len(h.Diff) > 0 && tsDiff == 0 {
		h.Diff[len(h.Diff)-1][1] += scoreDiff
	} else {
		h.Diff = append(h.Diff, [2]int64{tsDiff, scoreDiff})
	}
	h.lastTS = ts
	h.lastScore = score
}

type User struct {
	game  *Game
	Store *store.User

	PassedFlags     map[*Flag]*Submission
	PassedChalls    map[*Challenge]*Submission
	SuccSubmissions []*Submission
	Submissions     []*Submission
	TotScore        int64
	TotScoreByCat   map[string]int64

	scoreHistory *ScoreHistory // lazily rebuilt after invalidation
}

func newUser(g *Game, s *store.User) *User {
	u := &User{game: g, Store: s}
	u.OnScoreboardReset()
	return u
}

func (u *User) OnStoreReload(s *store.User) {
	if u.Store.Group != s.Group {
		u.game.NeedReloadingScoreboard = true
	}
	u.Store = s
}

func (u *User) OnScoreboardReset() {
	u.PassedFlags = make(map[*Flag]*Submission)
	u.PassedChalls = make(map[*Challenge]*Submission)
	u.SuccSubmissions = nil
	u.Submissions = nil
	u.scoreHistory = nil
	u.updateTotScore(nil)
}

func (u *User) OnScoreboardUpdate(sub *Submission, inBatch bool) {
	u.Submissions = append(u.Submissions, sub)

	if sub.MatchedFlag == nil {
		return
	}
	ch := sub.MatchedFlag.Challenge

	u.PassedFlags[sub.MatchedFlag] = sub
	if _, ok := ch.PassedUsers[u.Store.ID]; ok { // passed all flags of the challenge
		u.PassedChalls[ch] = sub
	}
	u.SuccSubmissions = append(u.SuccSubmissions, sub)

	if !inBatch {
		// every earlier passer's score shrinks with the decay
		for _, other := range sub.MatchedFlag.PassedUsers {
			other.updateTotScore(sub)
		}
	}
}

func (u *User) OnScoreboardBatchUpdateDone() {
	u.updateTotScore(nil)
}

func (u *User) updateTotScore(scoreUpdatingSub *Submission) {
	u.TotScore = 0
	u.TotScoreByCat = make(map[string]int64)

	for f, sub := range u.PassedFlags {
		score := sub.GainedScore()
		u.TotScore += score
		u.TotScoreByCat[f.Challenge.Store.Category] += score
	}

	if scoreUpdatingSub != nil && u.scoreHistory != nil {
		u.scoreHistory.Append(scoreUpdatingSub.Store.TimestampMS/1000, u.TotScore)
	}
}

// recalcScoreHistory replays score evolution from flag score histories.
// For each passed flag the user's gained score starts at the flag value
// when they passed and then follows every later decay step.
func (u *User) recalcScoreHistory() {
	type event struct {
		subID int64
		delta int64
	}
	var events []event

	for f, sub := range u.PassedFlags {
		passSubID := sub.Store.ID

		// Score at pass time: the base score adjusted by every decay step
		// recorded before the passing submission.
		prevScore := sub.Store.TweakScore(f.Def.BaseScore)
		passed := false
		for _, pt := range f.ScoreHistory {
			if passSubID <= pt.SinceSubID {
				if !passed {
					passed = true
					events = append(events, event{passSubID, prevScore})
				}
				events = append(events, event{pt.SinceSubID, sub.Store.TweakScore(pt.Score) - prevScore})
			}
			prevScore = sub.Store.TweakScore(pt.Score)
		}
		if !passed {
			events = append(events, event{passSubID, prevScore})
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].subID < events[j].subID })

	u.scoreHistory = &ScoreHistory{}
	var totScore int64
	for _, ev := range events {
		sub := u.game.Submissions[ev.subID]
		if sub == nil {
			continue
		}
		totScore += ev.delta
		u.scoreHistory.Append(sub.Store.TimestampMS/1000, totScore)
	}
}

func (u *User) ScoreHistoryDiff() [][2]int64 {
	if u.scoreHistory == nil {
		u.recalcScoreHistory()
	}
	return u.scoreHistory.Diff
}

func (u *User) LastSuccSubmission() *Submission {
	if len(u.SuccSubmissions) == 0 {
		return nil
	}
	return u.SuccSubmissions[len(u.SuccSubmissions)-1]
}

func (u *User) LastSubmission() *Submission {
	if len(u.Submissions) == 0 {
		return nil
	}
	return u.Submissions[len(u.Submissions)-1]
}

// The check chain: each stage implies all earlier ones.

func (u *User) CheckLogin() string {
	if !u.Store.Enabled {
		return "账号不允许登录"
	}
	return ""
}

func (u *User) CheckUpdateProfile() string {
	if msg := u.CheckLogin(); msg != "" {
		return msg
	}
	if !u.Store.TermsAgreed {
		return "请阅读参赛须知"
	}
	if u.Store.Group == "banned" {
		return "此用户组被禁止参赛"
	}
	return ""
}

func (u *User) CheckPlayGame() string {
	if msg := u.CheckUpdateProfile(); msg != "" {
		return msg
	}
	if u.Store.Profile == nil ||
		u.Store.Profile.Check(u.game.Rules.ProfileForGroup[u.Store.Group]) != "" {
		return "请完善个人资料"
	}
	return ""
}

// Partition selects which slice of a partitioned flag this user gets.
func (u *User) Partition(challKey string, nPart int) int {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s", u.Store.Token.String, challKey)))
	mod := new(big.Int).Mod(new(big.Int).SetBytes(sum[:]), big.NewInt(int64(nPart)))
	return int(mod.Int64())
}

func (u *User) Badges() []string {
	return u.Store.LoginProperties.Badges(u.game.Rules.InMainBoard(u.Store.Group))
}

// AdminBadges is extra operator-only context rendered on admin boards.
func (u *User) AdminBadges() []string {
	return []string{
		fmt.Sprintf("U#%d", u.Store.ID),
		fmt.Sprintf("remark:%s %s", u.Store.LoginKey, u.Store.LoginProperties.Format()),
	}
}

func (u *User) Nickname() string {
	if u.Store.Profile != nil && u.Store.Profile.Nickname.Valid {
		return u.Store.Profile.Nickname.String
	}
	return ""
}

func (u *User) String() string {
	return u.Store.String()
}
