// Package police watches wrong submissions for flags that belong to someone
// else, which is how shared or stolen dynamic flags surface.
package police

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/geekgame/glitter/internal/game"
	"github.com/geekgame/glitter/internal/logic"
	"github.com/geekgame/glitter/internal/telemetry"
)

const (
	timeMaxMS int64 = 1 << 62
	maxRows         = 7

	slowCheckThreshold = time.Second
)

// Run drains the worker's local message stream: new submissions are checked
// for flag sharing, push moments are mirrored to the operator webhook.
func Run(ctx context.Context, w *logic.Worker) error {
	nextID := w.Bus.NextID()
	for {
		msgs := w.Bus.Wait(ctx, nextID)
		if msgs == nil {
			return ctx.Err()
		}
		for _, m := range msgs {
			if m.ID != nextID {
				w.Log(telemetry.LevelError, "police.run",
					"lost local message %d, maybe we stucked for a long time?", nextID)
			}
			nextID = m.ID + 1

			switch m.Type {
			case "new_submission":
				sub, ok := m.Submission.(*game.Submission)
				if !ok {
					continue
				}
				t1 := time.Now()
				checkSubmission(w, sub)
				if d := time.Since(t1); d > slowCheckThreshold {
					w.Log(telemetry.LevelWarning, "police.run",
						"took %.2fs to check submission %d", d.Seconds(), sub.Store.ID)
				}

			case "flag_first_blood", "challenge_first_blood", "new_announcement", "tick_update":
				if w.Pusher != nil {
					w.Pusher.PushMessage("[PUSH] "+m.Payload, "")
				}
			}
		}
	}
}

func checkSubmission(w *logic.Worker, sub *game.Submission) {
	if sub.MatchedFlag != nil || sub.DuplicateSubmission {
		return
	}
	if sub.Challenge == nil || sub.User == nil { // challenge key changed, or user deleted
		return
	}

	// Everything reported below is snapshotted under the game lock; the
	// worker mainloop mutates users while this goroutine formats output.
	type origin struct {
		uid        int64
		loginKey   string
		acceptedMS int64 // timeMaxMS when they never passed the flag
		hasScore   bool
	}
	var origins []origin
	var subUID int64
	var subLoginKey string

	err := w.WithGame(func(g *game.Game) error {
		subUID = sub.User.Store.ID
		subLoginKey = sub.User.Store.LoginKey
		for _, f := range sub.Challenge.Flags {
			if f.Def.Type == "static" { // identical for everyone, nothing to learn
				continue
			}
			for _, u := range g.Users.List {
				if f.ValidateFlag(u, sub.Store.Flag) {
					o := origin{
						uid:        u.Store.ID,
						loginKey:   u.Store.LoginKey,
						acceptedMS: timeMaxMS,
						hasScore:   u.TotScore > 0,
					}
					if acc := u.PassedFlags[f]; acc != nil {
						o.acceptedMS = acc.Store.TimestampMS
					}
					origins = append(origins, o)
				}
			}
		}
		return nil
	})
	if err != nil {
		w.Log(telemetry.LevelError, "police.check_submission",
			"game is dirty now, cannot check S#%d", sub.Store.ID)
		return
	}

	if len(origins) == 0 {
		w.Log(telemetry.LevelDebug, "police.check_submission", "S#%d seems fine", sub.Store.ID)
		return
	}

	sort.SliceStable(origins, func(i, j int) bool {
		if origins[i].acceptedMS != origins[j].acceptedMS {
			return origins[i].acceptedMS < origins[j].acceptedMS // first submitted user first
		}
		if origins[i].hasScore != origins[j].hasScore {
			return origins[i].hasScore // participated users first
		}
		return origins[i].uid < origins[j].uid
	})

	describeOrigin := func(o origin) string {
		switch {
		case o.acceptedMS != timeMaxMS:
			return "(" + formatTimestampMS(o.acceptedMS) + ")"
		case o.hasScore:
			return "(does not pass)"
		default:
			return "(empty user)"
		}
	}

	header := fmt.Sprintf("S#%d (U#%d %s ch=%s) matches %d origin users:",
		sub.Store.ID, subUID, subLoginKey, sub.Store.ChallengeKey, len(origins))

	var report, msg strings.Builder
	report.WriteString(header)
	msg.WriteString(header)
	for i, o := range origins {
		line := fmt.Sprintf("\n- U#%d %s %s", o.uid, o.loginKey, describeOrigin(o))
		report.WriteString(line)
		if i < maxRows {
			msg.WriteString(line)
		}
	}
	if len(origins) >= maxRows {
		fmt.Fprintf(&msg, "\n(showing first %d)", maxRows)
	}

	w.Log(telemetry.LevelSuccess, "police.check_submission", "%s", report.String())
	if w.Pusher != nil {
		w.Pusher.PushMessage("[POLICE] "+msg.String(),
			fmt.Sprintf("police:%d", subUID))
	}
}

func formatTimestampMS(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}
