package game

import (
	"fmt"

	"github.com/geekgame/glitter/internal/store"
)

// Submission wraps one stored submission with its projection links.
// Construction runs flag matching, so build it only once per store row.
type Submission struct {
	game  *Game
	Store *store.Submission

	User      *User
	Challenge *Challenge // nil if the challenge was deleted later

	// True when the flag is correct but this user had already passed it.
	// Such submissions never match, so they score nothing.
	DuplicateSubmission bool
	MatchedFlag         *Flag
}

func NewSubmission(g *Game, s *store.Submission) *Submission {
	sub := &Submission{
		game:  g,
		Store: s,
		User:  g.Users.UserByID[s.UserID],
	}
	sub.Challenge = g.Challenges.ChallByKey[s.ChallengeKey]
	sub.MatchedFlag = sub.findMatchedFlag()
	return sub
}

func (sub *Submission) findMatchedFlag() *Flag {
	if sub.Challenge == nil || sub.User == nil {
		return nil
	}
	for _, f := range sub.Challenge.Flags {
		if f.ValidateFlag(sub.User, sub.Store.Flag) {
			if _, passed := f.PassedUsers[sub.User.Store.ID]; passed {
				sub.DuplicateSubmission = true
				return nil
			}
			return f
		}
	}
	return nil
}

// GainedScore is the score this submission is currently worth, following
// the matched flag's decay and any operator override.
func (sub *Submission) GainedScore() int64 {
	if sub.MatchedFlag == nil {
		return 0
	}
	return sub.Store.TweakScore(sub.MatchedFlag.CurScore)
}

func (sub *Submission) String() string {
	return fmt.Sprintf("[Sub#%d U#%d Ch=%q Flag=%v]",
		sub.Store.ID, sub.Store.UserID, sub.Store.ChallengeKey, sub.MatchedFlag)
}
