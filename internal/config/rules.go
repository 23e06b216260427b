package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BoardDef declares one leaderboard instance owned by the Game aggregate.
type BoardDef struct {
	Key             string   `yaml:"key"`
	Type            string   `yaml:"type"` // score | firstblood
	Name            string   `yaml:"name"`
	Desc            string   `yaml:"desc"`
	Groups          []string `yaml:"groups"` // empty = all groups
	ShowGroup       bool     `yaml:"show_group"`
	MaxDisplayUsers int      `yaml:"max_display_users"`
}

// Rules is contest configuration that is data, not deployment: user groups,
// which of them count toward score decay, required profile fields, board
// layout and the tick window shown on score graphs.
type Rules struct {
	// group key -> display name
	Groups map[string]string `yaml:"groups"`

	// Groups whose solves count toward score decay.
	MainBoardGroups []string `yaml:"main_board_groups"`

	// group key -> required profile fields
	ProfileForGroup map[string][]string `yaml:"profile_for_group"`

	Boards []BoardDef `yaml:"boards"`

	// Sentinel ticks delimiting the scoring window shown on leaderboards.
	TickBoardBegin int64 `yaml:"tick_board_begin"`
	TickBoardEnd   int64 `yaml:"tick_board_end"`

	// Percentage override stamped on submissions accepted while the
	// deduction policy phase is active.
	DeductionPercentage int64 `yaml:"deduction_percentage"`

	// Salt mixed into leet flag derivation.
	FlagLeetSalt string `yaml:"flag_leet_salt"`
}

// DefaultRules mirrors the contest as usually deployed. A rules file only
// needs to override what differs.
func DefaultRules() *Rules {
	return &Rules{
		Groups: map[string]string{
			"pku":    "北京大学",
			"other":  "校外选手",
			"staff":  "工作人员",
			"banned": "已封禁",
		},
		MainBoardGroups: []string{"pku"},
		ProfileForGroup: map[string][]string{
			"staff":  {"nickname", "tel", "qq", "comment"},
			"pku":    {"nickname", "stuid", "tel", "qq", "comment"},
			"other":  {"nickname", "qq", "comment"},
			"banned": {"nickname", "qq", "comment"},
		},
		Boards: []BoardDef{
			{Key: "score_pku", Type: "score", Name: "北京大学排名", Groups: []string{"pku"}, MaxDisplayUsers: 100},
			{Key: "first_pku", Type: "firstblood", Name: "北京大学一血榜", Groups: []string{"pku"}},
			{Key: "score_all", Type: "score", Name: "总排名", Desc: "只有用户组为 “北京大学” 的用户参与评奖", Groups: []string{"pku", "other"}, ShowGroup: true, MaxDisplayUsers: 150},
			{Key: "first_all", Type: "firstblood", Name: "总一血榜", Groups: []string{"pku", "other"}, ShowGroup: true},
		},
		TickBoardBegin:      1,
		TickBoardEnd:        9000,
		DeductionPercentage: 35,
		FlagLeetSalt:        "salt",
	}
}

// LoadRules reads a YAML rules file over the defaults. An empty path returns
// the defaults unchanged.
func LoadRules(path string) (*Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	if rules.DeductionPercentage <= 0 || rules.DeductionPercentage > 100 {
		return nil, fmt.Errorf("deduction_percentage out of range: %d", rules.DeductionPercentage)
	}
	for _, b := range rules.Boards {
		if b.Type != "score" && b.Type != "firstblood" {
			return nil, fmt.Errorf("board %s: unknown type %q", b.Key, b.Type)
		}
	}
	return rules, nil
}

// InMainBoard reports whether a group's solves count toward score decay.
func (r *Rules) InMainBoard(group string) bool {
	for _, g := range r.MainBoardGroups {
		if g == group {
			return true
		}
	}
	return false
}

// GroupDisp returns the display name of a group, falling back to "(key)".
func (r *Rules) GroupDisp(group string) string {
	if disp, ok := r.Groups[group]; ok {
		return disp
	}
	return "(" + group + ")"
}
