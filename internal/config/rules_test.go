package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRulesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRulesDefaults(t *testing.T) {
	r, err := LoadRules("")
	require.NoError(t, err)
	assert.Equal(t, []string{"pku"}, r.MainBoardGroups)
	assert.Equal(t, int64(35), r.DeductionPercentage)
	assert.NotEmpty(t, r.Boards)
}

func TestLoadRulesOverride(t *testing.T) {
	path := writeRulesFile(t, `
main_board_groups: [pku, other]
deduction_percentage: 50
flag_leet_salt: pepper
`)
	r, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"pku", "other"}, r.MainBoardGroups)
	assert.Equal(t, int64(50), r.DeductionPercentage)
	assert.Equal(t, "pepper", r.FlagLeetSalt)
	// untouched fields keep their defaults
	assert.Equal(t, "北京大学", r.Groups["pku"])
}

func TestLoadRulesValidation(t *testing.T) {
	_, err := LoadRules(writeRulesFile(t, "deduction_percentage: 0\n"))
	assert.Error(t, err)

	_, err = LoadRules(writeRulesFile(t, `
boards:
  - key: broken
    type: timeline
`))
	assert.ErrorContains(t, err, "unknown type")

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestInMainBoard(t *testing.T) {
	r := DefaultRules()
	assert.True(t, r.InMainBoard("pku"))
	assert.False(t, r.InMainBoard("other"))
	assert.False(t, r.InMainBoard(""))
}

func TestGroupDisp(t *testing.T) {
	r := DefaultRules()
	assert.Equal(t, "校外选手", r.GroupDisp("other"))
	assert.Equal(t, "(alien)", r.GroupDisp("alien"))
}
