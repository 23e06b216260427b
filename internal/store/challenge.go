package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const MaxFlagLen = 110

// valFlag intentionally excludes 0x7d so the body cannot contain '}'.
var valFlag = regexp.MustCompile(`^flag\{[\x20-\x7c\x7e]{1,100}\}$`)

// CheckFlagFormat returns a player-facing message when the flag text itself
// is malformed, before any matching is attempted.
func CheckFlagFormat(flag string) string {
	if len(flag) > MaxFlagLen {
		return "Flag过长"
	}
	if !valFlag.MatchString(flag) {
		return "Flag格式错误"
	}
	return ""
}

var catColors = map[string]string{
	"Tutorial":  "#333333",
	"Misc":      "#7e2d86",
	"Web":       "#2d8664",
	"Binary":    "#864a2d",
	"Algorithm": "#2f2d86",
}

const fallbackCatColor = "#000000"

// ChallengeMetadata is freeform operator JSON with a couple of well-known
// keys. First blood awards are opt-in; score deduction is opt-out.
type ChallengeMetadata struct {
	Author                  string `json:"author,omitempty"`
	FirstBloodAwardEligible *bool  `json:"first_blood_award_eligible,omitempty"`
	ScoreDeductionEligible  *bool  `json:"score_deduction_eligible,omitempty"`
}

func (m ChallengeMetadata) FirstBloodEligible() bool {
	return m.FirstBloodAwardEligible != nil && *m.FirstBloodAwardEligible
}

func (m ChallengeMetadata) DeductionEligible() bool {
	return m.ScoreDeductionEligible == nil || *m.ScoreDeductionEligible
}

// FlagVal is either a single flag string or, for partitioned flags, a list
// of them. The JSON form mirrors that.
type FlagVal struct {
	Str  string
	List []string
}

func (v FlagVal) MarshalJSON() ([]byte, error) {
	if v.List != nil {
		return json.Marshal(v.List)
	}
	return json.Marshal(v.Str)
}

func (v *FlagVal) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) > 0 && data[0] == '[' {
		v.Str = ""
		return json.Unmarshal(data, &v.List)
	}
	v.List = nil
	return json.Unmarshal(data, &v.Str)
}

type FlagDef struct {
	Name      string  `json:"name"`
	Type      string  `json:"type"` // static | leet | partitioned | dynamic
	Val       FlagVal `json:"val"`
	Salt      string  `json:"salt,omitempty"`
	BaseScore int64   `json:"base_score"`
}

// ActionDef is one way to interact with a challenge: a link, a terminal, an
// attachment. A nil Name hides the action from players while keeping it for
// the platform (e.g. checker backends).
type ActionDef struct {
	Name           *string `json:"name"`
	Type           string  `json:"type"`
	EffectiveAfter int64   `json:"effective_after"`

	URL        string `json:"url,omitempty"`         // webpage
	Host       string `json:"host,omitempty"`        // webdocker, terminal
	Port       int64  `json:"port,omitempty"`        // terminal
	Filename   string `json:"filename,omitempty"`    // attachment, dyn_attachment
	FilePath   string `json:"file_path,omitempty"`   // attachment
	ModulePath string `json:"module_path,omitempty"` // dyn_attachment
}

type Challenge struct {
	ID             int64
	EffectiveAfter int64
	Key            string
	Title          string
	Category       string
	SortingIndex   int64
	DescTemplate   string
	Metadata       ChallengeMetadata
	Actions        []ActionDef
	Flags          []FlagDef
}

func (c *Challenge) CategoryColor() string {
	if color, ok := catColors[c.Category]; ok {
		return color
	}
	return fallbackCatColor
}

// Validate enforces the shape invariants an operator-edited challenge must
// satisfy before it is allowed into the store.
func (c *Challenge) Validate() error {
	if c.Key == "" || len(c.Key) > 32 {
		return errors.New("challenge key should be 1 to 32 chars")
	}
	if c.Title == "" {
		return errors.New("challenge title should not be empty")
	}

	if len(c.Flags) == 0 {
		return errors.New("flags should not be empty")
	}
	for i := range c.Flags {
		if err := validateFlagDef(&c.Flags[i]); err != nil {
			return err
		}
	}
	if len(c.Flags) == 1 {
		if c.Flags[0].Name != "" {
			return errors.New("单个Flag的name需要留空，因为不会显示")
		}
	} else {
		for _, f := range c.Flags {
			if f.Name == "" {
				return errors.New("有多个Flag时需要填写name字段")
			}
		}
	}

	seen := map[string]bool{}
	for i := range c.Actions {
		if err := validateActionDef(&c.Actions[i], seen); err != nil {
			return err
		}
	}
	return nil
}

func validateFlagDef(f *FlagDef) error {
	switch f.Type {
	case "partitioned":
		if len(f.Val.List) == 0 {
			return fmt.Errorf("flag %q: val should be a non-empty list", f.Name)
		}
		for _, v := range f.Val.List {
			if msg := CheckFlagFormat(v); msg != "" {
				return fmt.Errorf("%s不符合Flag格式", f.Name)
			}
		}
	case "static", "leet":
		if f.Val.List != nil {
			return fmt.Errorf("flag %q: val should be a string", f.Name)
		}
		if msg := CheckFlagFormat(f.Val.Str); msg != "" {
			return fmt.Errorf("%s不符合Flag格式", f.Name)
		}
	case "dynamic":
		if f.Val.Str == "" {
			return fmt.Errorf("flag %q: val should name a generator", f.Name)
		}
	default:
		return fmt.Errorf("flag %q: unknown type %q", f.Name, f.Type)
	}
	return nil
}

func validateActionDef(a *ActionDef, attachmentFilenames map[string]bool) error {
	switch a.Type {
	case "webpage":
		if a.URL == "" {
			return errors.New("webpage action should have url")
		}
	case "webdocker":
		if a.Host == "" || strings.Contains(a.Host, ":") {
			return errors.New("webdocker action host should be a bare hostname")
		}
	case "terminal":
		if a.Host == "" || strings.Contains(a.Host, ":") {
			return errors.New("terminal action host should be a bare hostname")
		}
		if a.Port <= 0 || a.Port > 65535 {
			return errors.New("terminal action port out of range")
		}
	case "attachment":
		if a.Filename == "" || a.FilePath == "" {
			return errors.New("attachment action should have filename and file_path")
		}
		if attachmentFilenames[a.Filename] {
			return errors.New("attachment action filename should be unique")
		}
		attachmentFilenames[a.Filename] = true
	case "dyn_attachment":
		if a.Filename == "" || a.ModulePath == "" {
			return errors.New("dyn_attachment action should have filename and module_path")
		}
		if strings.HasPrefix(a.ModulePath, "/") {
			return errors.New("dyn_attachment module_path must be relative")
		}
		if attachmentFilenames[a.Filename] {
			return errors.New("dyn_attachment action filename should be unique")
		}
		attachmentFilenames[a.Filename] = true
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

func scanChallenge(row interface{ Scan(...any) error }) (*Challenge, error) {
	var (
		c                          Challenge
		metaRaw, actsRaw, flagsRaw []byte
	)
	err := row.Scan(&c.ID, &c.EffectiveAfter, &c.Key, &c.Title, &c.Category,
		&c.SortingIndex, &c.DescTemplate, &metaRaw, &actsRaw, &flagsRaw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metaRaw, &c.Metadata); err != nil {
		return nil, fmt.Errorf("challenge %s metadata: %w", c.Key, err)
	}
	if err := json.Unmarshal(actsRaw, &c.Actions); err != nil {
		return nil, fmt.Errorf("challenge %s actions: %w", c.Key, err)
	}
	if err := json.Unmarshal(flagsRaw, &c.Flags); err != nil {
		return nil, fmt.Errorf("challenge %s flags: %w", c.Key, err)
	}
	return &c, nil
}

const challengeCols = `id, effective_after, key, title, category, sorting_index, desc_template, chall_metadata, actions, flags`

func (s *Store) LoadChallenges() ([]*Challenge, error) {
	rows, err := s.db.Query(`SELECT ` + challengeCols + ` FROM challenge ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query challenges: %w", err)
	}
	defer rows.Close()

	var out []*Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) LoadOneChallenge(id int64) (*Challenge, error) {
	c, err := scanChallenge(s.db.QueryRow(`SELECT `+challengeCols+` FROM challenge WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// UpsertChallenge validates and writes one challenge, keyed by Key. Used by
// the operator surface; regular play never mutates challenges.
func (s *Store) UpsertChallenge(c *Challenge) error {
	if err := c.Validate(); err != nil {
		return err
	}
	metaRaw, err := json.Marshal(c.Metadata)
	if err != nil {
		return err
	}
	actsRaw, err := json.Marshal(c.Actions)
	if err != nil {
		return err
	}
	flagsRaw, err := json.Marshal(c.Flags)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`
		INSERT INTO challenge (effective_after, key, title, category, sorting_index, desc_template, chall_metadata, actions, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			effective_after = excluded.effective_after,
			title = excluded.title,
			category = excluded.category,
			sorting_index = excluded.sorting_index,
			desc_template = excluded.desc_template,
			chall_metadata = excluded.chall_metadata,
			actions = excluded.actions,
			flags = excluded.flags`,
		c.EffectiveAfter, c.Key, c.Title, c.Category, c.SortingIndex, c.DescTemplate,
		metaRaw, actsRaw, flagsRaw)
	if err != nil {
		return fmt.Errorf("upsert challenge %s: %w", c.Key, err)
	}
	if c.ID == 0 {
		if id, err := res.LastInsertId(); err == nil {
			c.ID = id
		}
		_ = s.db.QueryRow(`SELECT id FROM challenge WHERE key = ?`, c.Key).Scan(&c.ID)
	}
	return nil
}
