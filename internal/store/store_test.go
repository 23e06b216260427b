package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "glitter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterAndLoadUser(t *testing.T) {
	s := openTestStore(t)

	uid, err := s.RegisterUser("manual:alice", LoginProperties{"type": "manual"}, "pku",
		func(uid int64) (string, string) {
			return fmt.Sprintf("signed-%d", uid), fmt.Sprintf("%d_secret", uid)
		})
	require.NoError(t, err)
	require.Positive(t, uid)

	users, err := s.LoadUsers()
	require.NoError(t, err)
	require.Len(t, users, 1)

	u := users[0]
	assert.Equal(t, uid, u.ID)
	assert.Equal(t, "manual:alice", u.LoginKey)
	assert.Equal(t, "manual", u.LoginProperties.Type())
	assert.Equal(t, "pku", u.Group)
	assert.True(t, u.Enabled)
	assert.Equal(t, fmt.Sprintf("signed-%d", uid), u.Token.String)
	assert.Equal(t, fmt.Sprintf("%d_secret", uid), u.AuthToken.String)
	assert.False(t, u.TermsAgreed)

	require.NotNil(t, u.Profile, "registration creates an empty profile")
	assert.False(t, u.Profile.Nickname.Valid)

	one, err := s.LoadOneUser(uid)
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, u.LoginKey, one.LoginKey)

	missing, err := s.LoadOneUser(uid + 100)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdateProfileKeepsHistory(t *testing.T) {
	s := openTestStore(t)

	uid, err := s.RegisterUser("manual:bob", LoginProperties{"type": "manual"}, "other",
		func(uid int64) (string, string) { return "t", "a" })
	require.NoError(t, err)

	p := &UserProfile{UserID: uid}
	p.SetField("nickname", "bob")
	p.SetField("qq", "123456")
	p.SetField("stuid", "2300012345")
	require.NoError(t, s.UpdateProfile(uid, p))

	u, err := s.LoadOneUser(uid)
	require.NoError(t, err)
	require.NotNil(t, u.Profile)
	assert.Equal(t, "bob", u.Profile.Nickname.String)
	assert.Equal(t, "123456", u.Profile.QQ.String)
	assert.Equal(t, "2300012345", u.Profile.Stuid.String)

	p2 := &UserProfile{UserID: uid}
	p2.SetField("nickname", "bobby")
	require.NoError(t, s.UpdateProfile(uid, p2))

	u, err = s.LoadOneUser(uid)
	require.NoError(t, err)
	assert.Equal(t, "bobby", u.Profile.Nickname.String)
	assert.False(t, u.Profile.QQ.Valid, "a profile update replaces the whole row")
}

func TestProfileCheckStuid(t *testing.T) {
	required := []string{"nickname", "stuid"}

	p := &UserProfile{}
	p.SetField("nickname", "alice")
	assert.Equal(t, "个人信息不完整（stuid）", p.Check(required))

	p.SetField("stuid", "not-a-number")
	assert.Equal(t, "学号格式错误", p.Check(required))

	p.SetField("stuid", "2300012345")
	assert.Equal(t, "", p.Check(required))

	// groups that do not require stuid accept a profile without one
	p2 := &UserProfile{}
	p2.SetField("nickname", "bob")
	assert.Equal(t, "", p2.Check([]string{"nickname"}))
}

func TestUserFlags(t *testing.T) {
	s := openTestStore(t)

	uid, err := s.RegisterUser("manual:carl", LoginProperties{"type": "manual"}, "pku",
		func(uid int64) (string, string) { return "t", "a" })
	require.NoError(t, err)

	require.NoError(t, s.SetTermsAgreed(uid))
	require.NoError(t, s.SetUserGroup(uid, "banned"))
	require.NoError(t, s.SetUserEnabled(uid, false))
	require.NoError(t, s.SetLastFeedbackMS(uid, 12345))

	u, err := s.LoadOneUser(uid)
	require.NoError(t, err)
	assert.True(t, u.TermsAgreed)
	assert.Equal(t, "banned", u.Group)
	assert.False(t, u.Enabled)
	assert.Equal(t, int64(12345), u.LastFeedbackMS.Int64)
}

func TestUpsertChallenge(t *testing.T) {
	s := openTestStore(t)

	c := validChallenge()
	require.NoError(t, s.UpsertChallenge(c))
	require.Positive(t, c.ID)

	// upsert by key updates in place
	c2 := validChallenge()
	c2.Title = "Web 1 v2"
	c2.EffectiveAfter = 3
	require.NoError(t, s.UpsertChallenge(c2))
	assert.Equal(t, c.ID, c2.ID)

	challs, err := s.LoadChallenges()
	require.NoError(t, err)
	require.Len(t, challs, 1)
	assert.Equal(t, "Web 1 v2", challs[0].Title)
	assert.Equal(t, int64(3), challs[0].EffectiveAfter)
	require.Len(t, challs[0].Flags, 1)
	assert.Equal(t, "flag{x}", challs[0].Flags[0].Val.Str)

	invalid := validChallenge()
	invalid.Flags = nil
	assert.Error(t, s.UpsertChallenge(invalid))
}

func TestSubmissionsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	uid, err := s.RegisterUser("manual:dora", LoginProperties{"type": "manual"}, "pku",
		func(uid int64) (string, string) { return "t", "a" })
	require.NoError(t, err)

	sub := &Submission{
		UserID:             uid,
		ChallengeKey:       "web1",
		Flag:               "flag{x}",
		PercentageOverride: sql.NullInt64{Int64: 35, Valid: true},
	}
	require.NoError(t, s.InsertSubmission(sub))
	require.Positive(t, sub.ID)
	require.Positive(t, sub.TimestampMS)

	got, err := s.LoadOneSubmission(sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "flag{x}", got.Flag)
	assert.Equal(t, int64(35), got.PercentageOverride.Int64)
	assert.False(t, got.ScoreOverride.Valid)

	all, err := s.LoadSubmissions()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	missing, err := s.LoadOneSubmission(sub.ID + 1)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTriggersAndPolicies(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertTrigger(&Trigger{Tick: 1, TimestampS: 100, Name: "start"}))
	require.NoError(t, s.UpsertTrigger(&Trigger{Tick: 2, TimestampS: 200, Name: "mid"}))
	require.NoError(t, s.UpsertTrigger(&Trigger{Tick: 1, TimestampS: 150, Name: "start moved"}))

	triggers, err := s.LoadTriggers()
	require.NoError(t, err)
	require.Len(t, triggers, 2)
	assert.Equal(t, "start moved", triggers[0].Name)
	assert.Equal(t, int64(150), triggers[0].TimestampS)

	require.NoError(t, s.UpsertGamePolicy(&GamePolicy{EffectiveAfter: 1, CanViewProblem: true, CanSubmitFlag: true}))
	policies, err := s.LoadGamePolicies()
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.True(t, policies[0].CanSubmitFlag)
}

func TestAnnouncements(t *testing.T) {
	s := openTestStore(t)

	a := &Announcement{TimestampS: 100, Title: "Welcome", ContentTemplate: "hello {{.Group}}"}
	require.NoError(t, s.InsertAnnouncement(a))
	require.Positive(t, a.ID)

	got, err := s.LoadOneAnnouncement(a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Welcome", got.Title)

	missing, err := s.LoadOneAnnouncement(a.ID + 1)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
