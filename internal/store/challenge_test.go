package store

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckFlagFormat(t *testing.T) {
	assert.Equal(t, "", CheckFlagFormat("flag{hello-world_42}"))
	assert.Equal(t, "", CheckFlagFormat("flag{x}"))

	assert.Equal(t, "Flag过长", CheckFlagFormat("flag{"+strings.Repeat("a", 120)+"}"))
	assert.Equal(t, "Flag格式错误", CheckFlagFormat("FLAG{hello}"))
	assert.Equal(t, "Flag格式错误", CheckFlagFormat("flag{}"))
	assert.Equal(t, "Flag格式错误", CheckFlagFormat("flag{contains}brace}"))
	assert.Equal(t, "Flag格式错误", CheckFlagFormat("hello"))
}

func TestFlagValJSON(t *testing.T) {
	var v FlagVal
	require.NoError(t, json.Unmarshal([]byte(`"flag{a}"`), &v))
	assert.Equal(t, "flag{a}", v.Str)
	assert.Nil(t, v.List)

	require.NoError(t, json.Unmarshal([]byte(`["flag{a}", "flag{b}"]`), &v))
	assert.Equal(t, []string{"flag{a}", "flag{b}"}, v.List)
	assert.Equal(t, "", v.Str)

	out, err := json.Marshal(FlagVal{Str: "flag{a}"})
	require.NoError(t, err)
	assert.JSONEq(t, `"flag{a}"`, string(out))

	out, err = json.Marshal(FlagVal{List: []string{"flag{a}"}})
	require.NoError(t, err)
	assert.JSONEq(t, `["flag{a}"]`, string(out))
}

func validChallenge() *Challenge {
	return &Challenge{
		Key:      "web1",
		Title:    "Web 1",
		Category: "web",
		Flags: []FlagDef{
			{Type: "static", Val: FlagVal{Str: "flag{x}"}, BaseScore: 500},
		},
	}
}

func TestChallengeValidate(t *testing.T) {
	assert.NoError(t, validChallenge().Validate())

	c := validChallenge()
	c.Key = ""
	assert.Error(t, c.Validate())

	c = validChallenge()
	c.Key = strings.Repeat("k", 33)
	assert.Error(t, c.Validate())

	c = validChallenge()
	c.Flags = nil
	assert.Error(t, c.Validate())

	c = validChallenge()
	c.Flags[0].Name = "named"
	assert.ErrorContains(t, c.Validate(), "单个Flag的name需要留空")

	c = validChallenge()
	c.Flags = append(c.Flags, FlagDef{Type: "static", Val: FlagVal{Str: "flag{y}"}, BaseScore: 100})
	assert.ErrorContains(t, c.Validate(), "有多个Flag时需要填写name字段")

	c = validChallenge()
	c.Flags[0].Val.Str = "not-a-flag"
	assert.ErrorContains(t, c.Validate(), "不符合Flag格式")

	c = validChallenge()
	c.Flags[0] = FlagDef{Type: "partitioned", Val: FlagVal{}, BaseScore: 100}
	assert.Error(t, c.Validate())
}

func TestChallengeValidateActions(t *testing.T) {
	name := "attachment"

	c := validChallenge()
	c.Actions = []ActionDef{
		{Name: &name, Type: "attachment", Filename: "a.zip", FilePath: "files/a.zip"},
		{Name: &name, Type: "attachment", Filename: "a.zip", FilePath: "files/b.zip"},
	}
	assert.ErrorContains(t, c.Validate(), "unique")

	c = validChallenge()
	c.Actions = []ActionDef{{Name: &name, Type: "terminal", Host: "host:22", Port: 22}}
	assert.Error(t, c.Validate())

	c = validChallenge()
	c.Actions = []ActionDef{{Name: &name, Type: "dyn_attachment", Filename: "a.zip", ModulePath: "/abs/path"}}
	assert.ErrorContains(t, c.Validate(), "relative")

	c = validChallenge()
	c.Actions = []ActionDef{
		{Name: &name, Type: "webpage", URL: "https://example.com"},
		{Name: &name, Type: "terminal", Host: "chall.example.com", Port: 2222},
	}
	assert.NoError(t, c.Validate())
}

func TestChallengeMetadataDefaults(t *testing.T) {
	var m ChallengeMetadata
	assert.False(t, m.FirstBloodEligible(), "first blood award is opt-in")
	assert.True(t, m.DeductionEligible(), "deduction is opt-out")

	yes, no := true, false
	m = ChallengeMetadata{FirstBloodAwardEligible: &yes, ScoreDeductionEligible: &no}
	assert.True(t, m.FirstBloodEligible())
	assert.False(t, m.DeductionEligible())
}
