package game

import (
	"crypto/sha256"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/geekgame/glitter/internal/store"
	"github.com/geekgame/glitter/internal/telemetry"
)

// DynamicFlagFunc derives the correct flag for one user. Registered by
// deployment-specific generator modules at init time.
type DynamicFlagFunc func(uid int64, token string) string

var dynamicFlags = map[string]DynamicFlagFunc{}

func RegisterDynamicFlag(name string, fn DynamicFlagFunc) {
	dynamicFlags[name] = fn
}

// LeetFlag derives a per-user variant of a flag by flipping the case of two
// letters chosen by a seeded walk. The constants are part of the flag
// format; changing them invalidates every distributed flag.
func LeetFlag(flag string, uid int64, salt string) string {
	sum := sha256.Sum256([]byte(salt + strconv.FormatInt(uid, 10)))
	seed := new(big.Int).SetBytes(sum[:])

	body := []byte(flag[len("flag{") : len(flag)-1])
	var letters []int
	for i, c := range body {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			letters = append(letters, i)
		}
	}
	if len(letters) == 0 {
		return flag
	}

	seed.Add(seed, big.NewInt(233))
	seed.Mul(seed, big.NewInt(114547))
	seed.Mod(seed, big.NewInt(123457))
	rdseed := seed.Int64()

	for it := 0; it < 2 && len(letters) > 0; it++ {
		np := int(rdseed) % len(letters)
		pos := letters[np]
		rdseed = (rdseed + 233) * 114547 % 123457
		letters = append(letters[:np], letters[np+1:]...)

		c := body[pos]
		if c >= 'a' && c <= 'z' {
			body[pos] = c - 'a' + 'A'
		} else {
			body[pos] = c - 'A' + 'a'
		}
	}
	return "flag{" + string(body) + "}"
}

type ScorePoint struct {
	SinceSubID int64
	Score      int64
}

type Flag struct {
	game      *Game
	Challenge *Challenge
	Idx0      int
	Def       store.FlagDef

	CurScore    int64
	PassedUsers map[int64]*User
	passedSubs  map[int64]*Submission

	// Solvers counted toward decay: main-board group, no percentage
	// override on the passing submission.
	passedForCalc map[int64]*User

	// Every score value this flag has had, tagged with the submission id
	// that caused the change. Drives per-user score history recalc.
	ScoreHistory []ScorePoint

	correctMemo map[int64]string
}

func newFlag(g *Game, def store.FlagDef, ch *Challenge, idx0 int) *Flag {
	return &Flag{
		game:          g,
		Challenge:     ch,
		Idx0:          idx0,
		Def:           def,
		PassedUsers:   make(map[int64]*User),
		passedSubs:    make(map[int64]*Submission),
		passedForCalc: make(map[int64]*User),
		correctMemo:   make(map[int64]string),
	}
}

func (f *Flag) updateCurScore() {
	u := len(f.passedForCalc) - 1
	if u < 0 {
		u = 0
	}
	f.CurScore = int64(float64(f.Def.BaseScore) * (0.4 + 0.6*math.Pow(0.98, float64(u))))
}

// CorrectFlag returns the flag this user must submit. Memoized because leet
// and dynamic derivation hash on every lookup otherwise.
func (f *Flag) CorrectFlag(u *User) string {
	if v, ok := f.correctMemo[u.Store.ID]; ok {
		return v
	}

	var v string
	switch f.Def.Type {
	case "static":
		v = f.Def.Val.Str
	case "leet":
		salt := f.Def.Salt
		if salt == "" {
			salt = f.game.Rules.FlagLeetSalt
		}
		v = LeetFlag(f.Def.Val.Str, u.Store.ID, salt)
	case "partitioned":
		v = f.Def.Val.List[u.Partition(f.Challenge.Store.Key, len(f.Def.Val.List))]
	case "dynamic":
		fn := dynamicFlags[f.Def.Val.Str]
		if fn == nil {
			f.game.Log(telemetry.LevelError, "flag.correct_flag", "unknown dynamic flag generator %q", f.Def.Val.Str)
			return ""
		}
		v = fn(u.Store.ID, u.Store.Token.String)
	}
	f.correctMemo[u.Store.ID] = v
	return v
}

func (f *Flag) ValidateFlag(u *User, flag string) bool {
	correct := f.CorrectFlag(u)
	return correct != "" && flag == correct
}

func (f *Flag) clearCorrectFlagCache() {
	f.correctMemo = make(map[int64]string)
}

func (f *Flag) OnScoreboardReset() {
	f.CurScore = f.Def.BaseScore
	f.PassedUsers = make(map[int64]*User)
	f.passedSubs = make(map[int64]*Submission)
	f.passedForCalc = make(map[int64]*User)
	f.ScoreHistory = nil
	f.updateCurScore()
}

func (f *Flag) OnScoreboardUpdate(sub *Submission, inBatch bool) {
	if sub.MatchedFlag != f {
		return
	}
	f.PassedUsers[sub.User.Store.ID] = sub.User
	f.passedSubs[sub.User.Store.ID] = sub

	if f.game.Rules.InMainBoard(sub.User.Store.Group) && !sub.Store.PercentageOverride.Valid {
		f.passedForCalc[sub.User.Store.ID] = sub.User
	}

	old := f.CurScore
	f.updateCurScore()
	if f.CurScore != old {
		f.ScoreHistory = append(f.ScoreHistory, ScorePoint{SinceSubID: sub.Store.ID, Score: f.CurScore})
	}
}

func (f *Flag) OnTickChange() {}

// IsUserDeducted reports whether the submission that passed this flag had
// its score reduced by an override.
func (f *Flag) IsUserDeducted(u *User) bool {
	sub := f.passedSubs[u.Store.ID]
	if sub == nil {
		return false
	}
	return sub.Store.ScoreOverride.Valid || sub.Store.PercentageOverride.Valid
}

func (f *Flag) Describe(u *User) map[string]any {
	status := "untouched"
	if _, ok := f.PassedUsers[u.Store.ID]; ok {
		status = "passed"
	}
	return map[string]any{
		"name":               f.Def.Name,
		"base_score":         f.Def.BaseScore,
		"cur_score":          f.CurScore,
		"passed_users_count": len(f.PassedUsers),
		"status":             status,
	}
}

func (f *Flag) String() string {
	return fmt.Sprintf("[%s#%d]", f.Challenge.Store.Key, f.Idx0+1)
}
