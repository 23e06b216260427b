package game

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geekgame/glitter/internal/store"
)

func TestLeetFlag(t *testing.T) {
	const orig = "flag{HelloWorldFromTheGame}"

	v1 := LeetFlag(orig, 42, "salt")
	v2 := LeetFlag(orig, 42, "salt")
	assert.Equal(t, v1, v2, "same uid and salt must derive the same flag")

	assert.True(t, strings.HasPrefix(v1, "flag{"))
	assert.True(t, strings.HasSuffix(v1, "}"))
	assert.True(t, strings.EqualFold(orig, v1), "only letter case may change")
	assert.NotEqual(t, orig, v1)

	other := LeetFlag(orig, 43, "salt")
	assert.NotEqual(t, v1, other, "different uids should usually differ")

	salted := LeetFlag(orig, 42, "pepper")
	assert.NotEqual(t, v1, salted)
}

func TestLeetFlagNoLetters(t *testing.T) {
	assert.Equal(t, "flag{12345}", LeetFlag("flag{12345}", 1, "salt"))
}

func TestPartitionedFlag(t *testing.T) {
	vals := []string{"flag{p0}", "flag{p1}", "flag{p2}", "flag{p3}"}
	ch := &store.Challenge{
		ID:    1,
		Key:   "part1",
		Title: "Partitioned",
		Flags: []store.FlagDef{
			{Type: "partitioned", Val: store.FlagVal{List: vals}, BaseScore: 500},
		},
	}

	host := &testHost{}
	g := newTestGame(host, []*store.Challenge{ch}, []*store.User{makeTestUser(1, "pku"), makeTestUser(2, "pku")})

	f := g.Challenges.ChallByKey["part1"].Flags[0]
	u1 := g.Users.UserByID[1]
	u2 := g.Users.UserByID[2]

	correct := f.CorrectFlag(u1)
	assert.Contains(t, vals, correct)
	assert.Equal(t, correct, f.CorrectFlag(u1), "partition assignment is stable")
	assert.Equal(t, vals[u1.Partition("part1", len(vals))], correct)

	assert.True(t, f.ValidateFlag(u1, correct))

	// another user's slice is only valid for them
	otherCorrect := f.CorrectFlag(u2)
	if otherCorrect != correct {
		assert.False(t, f.ValidateFlag(u1, otherCorrect))
	}
}

func TestDynamicFlag(t *testing.T) {
	RegisterDynamicFlag("test_gen", func(uid int64, token string) string {
		return "flag{" + token + "}"
	})

	ch := &store.Challenge{
		ID:    1,
		Key:   "dyn1",
		Title: "Dynamic",
		Flags: []store.FlagDef{
			{Type: "dynamic", Val: store.FlagVal{Str: "test_gen"}, BaseScore: 300},
		},
	}

	host := &testHost{}
	g := newTestGame(host, []*store.Challenge{ch}, []*store.User{makeTestUser(7, "pku")})

	f := g.Challenges.ChallByKey["dyn1"].Flags[0]
	u := g.Users.UserByID[7]

	require.Equal(t, "flag{token-7}", f.CorrectFlag(u))
	assert.True(t, f.ValidateFlag(u, "flag{token-7}"))
	assert.False(t, f.ValidateFlag(u, "flag{token-8}"))
}

func TestUnknownDynamicFlagGenerator(t *testing.T) {
	ch := &store.Challenge{
		ID:    1,
		Key:   "dyn2",
		Title: "Dynamic",
		Flags: []store.FlagDef{
			{Type: "dynamic", Val: store.FlagVal{Str: "no_such_generator"}, BaseScore: 300},
		},
	}

	host := &testHost{}
	g := newTestGame(host, []*store.Challenge{ch}, []*store.User{makeTestUser(1, "pku")})

	f := g.Challenges.ChallByKey["dyn2"].Flags[0]
	u := g.Users.UserByID[1]

	assert.Equal(t, "", f.CorrectFlag(u))
	assert.False(t, f.ValidateFlag(u, ""), "empty derivation never validates")
}
