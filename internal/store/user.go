package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	MaxTokenLen       = 512
	MaxProfileInfoLen = 128

	ProfileUpdateCooldownS  = 10
	FeedbackSubmitCooldownS = 3600
)

// LoginProperties is the identity blob recorded by the auth frontend at
// registration time. "type" is the only key the core relies on.
type LoginProperties map[string]any

func (p LoginProperties) Type() string {
	t, _ := p["type"].(string)
	return t
}

func (p LoginProperties) Validate() error {
	if p == nil {
		return errors.New("login_properties should be a dict")
	}
	if p.Type() == "" {
		return errors.New("login_properties should have a type")
	}
	return nil
}

func (p LoginProperties) info() map[string]any {
	info, _ := p["info"].(map[string]any)
	return info
}

func infoStr(info map[string]any, key string) string {
	s, _ := info[key].(string)
	return s
}

// Format renders a human-readable identity line for operator surfaces.
func (p LoginProperties) Format() string {
	info := p.info()
	switch p.Type() {
	case "iaaa":
		return fmt.Sprintf("[IAAA] %s（%s %s %s）",
			infoStr(info, "name"), infoStr(info, "dept"), infoStr(info, "detailType"), infoStr(info, "identityStatus"))
	case "microsoft":
		return fmt.Sprintf("[MS] %s (%s)", infoStr(info, "displayName"), infoStr(info, "userPrincipalName"))
	case "github":
		return fmt.Sprintf("[GitHub] %s (%s)", infoStr(info, "name"), infoStr(info, "login"))
	case "carsi":
		return fmt.Sprintf("[Carsi] %s @ %s", infoStr(info, "usertype"), infoStr(info, "domain"))
	default:
		return fmt.Sprintf("[%s]", p.Type())
	}
}

// Badges collects display badges: the freshman badge for campus accounts
// whose identity id marks the newest cohort, plus any operator-set extras.
func (p LoginProperties) Badges(inMainBoard bool) []string {
	var ret []string
	if inMainBoard && p.Type() == "iaaa" &&
		strings.HasPrefix(infoStr(p.info(), "identityId"), "23000") {
		ret = append(ret, "rookie")
	}
	if extra, ok := p["badges"].([]any); ok {
		for _, b := range extra {
			if s, ok := b.(string); ok {
				ret = append(ret, s)
			}
		}
	}
	return ret
}

type User struct {
	ID              int64
	LoginKey        string
	LoginProperties LoginProperties
	TimestampMS     int64
	Enabled         bool
	Group           string
	Token           sql.NullString
	AuthToken       sql.NullString
	ProfileID       sql.NullInt64
	TermsAgreed     bool
	LastFeedbackMS  sql.NullInt64

	Profile *UserProfile
}

func (u *User) String() string {
	nick := "(no profile)"
	if u.Profile != nil && u.Profile.Nickname.Valid {
		nick = u.Profile.Nickname.String
	}
	loginKey := u.LoginKey
	if len(loginKey) > 20 {
		loginKey = loginKey[:18] + "..."
	}
	return fmt.Sprintf("[U#%d %s %q]", u.ID, loginKey, nick)
}

type UserProfile struct {
	ID          int64
	UserID      int64
	TimestampMS int64

	Nickname sql.NullString
	QQ       sql.NullString
	Tel      sql.NullString
	Email    sql.NullString
	Gender   sql.NullString
	Stuid    sql.NullString
	Comment  sql.NullString
}

var (
	valNickname = regexp.MustCompile(`^.{1,20}$`)
	valQQ       = regexp.MustCompile(`^.{5,50}$`)
	valTel      = regexp.MustCompile(`^.{5,20}$`)
	valEmail    = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+$`)
	valGender   = regexp.MustCompile(`^(female|male|other)$`)
	valStuid    = regexp.MustCompile(`^[0-9]{1,20}$`)
	valComment  = regexp.MustCompile(`^.{0,100}$`)
)

func (p *UserProfile) field(name string) sql.NullString {
	switch name {
	case "nickname":
		return p.Nickname
	case "qq":
		return p.QQ
	case "tel":
		return p.Tel
	case "email":
		return p.Email
	case "gender":
		return p.Gender
	case "stuid":
		return p.Stuid
	case "comment":
		return p.Comment
	}
	return sql.NullString{}
}

// SetField fills one profile field by name, reporting whether the name is
// known.
func (p *UserProfile) SetField(name, value string) bool {
	v := sql.NullString{String: value, Valid: true}
	switch name {
	case "nickname":
		p.Nickname = v
	case "qq":
		p.QQ = v
	case "tel":
		p.Tel = v
	case "email":
		p.Email = v
	case "gender":
		p.Gender = v
	case "stuid":
		p.Stuid = v
	case "comment":
		p.Comment = v
	default:
		return false
	}
	return true
}

// Check returns a player-facing message when the profile does not satisfy
// the required fields for the user's group, or "" when it does.
func (p *UserProfile) Check(required []string) string {
	for _, f := range required {
		if !p.field(f).Valid {
			return fmt.Sprintf("个人信息不完整（%s）", f)
		}
	}

	has := func(name string) bool {
		for _, f := range required {
			if f == name {
				return true
			}
		}
		return false
	}

	if has("nickname") && !valNickname.MatchString(p.Nickname.String) {
		return "昵称格式错误，应为1到20字符"
	}
	if msg := CheckNickname(p.Nickname.String); msg != "" {
		return msg
	}
	if has("qq") && !valQQ.MatchString(p.QQ.String) {
		return "QQ号格式错误"
	}
	if has("tel") && !valTel.MatchString(p.Tel.String) {
		return "电话号码格式错误"
	}
	if has("email") && !valEmail.MatchString(p.Email.String) {
		return "邮箱格式错误"
	}
	if has("gender") && !valGender.MatchString(p.Gender.String) {
		return "选择的性别无效"
	}
	if has("stuid") && !valStuid.MatchString(p.Stuid.String) {
		return "学号格式错误"
	}
	if has("comment") && !valComment.MatchString(p.Comment.String) {
		return "了解比赛的渠道格式错误"
	}
	return ""
}

const userCols = `u.id, u.login_key, u.login_properties, u.timestamp_ms, u.enabled, u.grp,
	u.token, u.auth_token, u.profile_id, u.terms_agreed, u.last_feedback_ms,
	p.id, p.user_id, p.timestamp_ms, p.nickname, p.qq, p.tel, p.email, p.gender, p.stuid, p.comment`

const userJoin = `FROM user u LEFT JOIN user_profile p ON p.id = u.profile_id`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u        User
		propsRaw []byte
		pid      sql.NullInt64
		puid     sql.NullInt64
		pts      sql.NullInt64
		prof     UserProfile
	)
	err := row.Scan(&u.ID, &u.LoginKey, &propsRaw, &u.TimestampMS, &u.Enabled, &u.Group,
		&u.Token, &u.AuthToken, &u.ProfileID, &u.TermsAgreed, &u.LastFeedbackMS,
		&pid, &puid, &pts, &prof.Nickname, &prof.QQ, &prof.Tel, &prof.Email, &prof.Gender, &prof.Stuid, &prof.Comment)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(propsRaw, &u.LoginProperties); err != nil {
		return nil, fmt.Errorf("user #%d login_properties: %w", u.ID, err)
	}
	if pid.Valid {
		prof.ID = pid.Int64
		prof.UserID = puid.Int64
		prof.TimestampMS = pts.Int64
		u.Profile = &prof
	}
	return &u, nil
}

func (s *Store) LoadUsers() ([]*User, error) {
	rows, err := s.db.Query(`SELECT ` + userCols + ` ` + userJoin + ` ORDER BY u.id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) LoadOneUser(id int64) (*User, error) {
	u, err := scanUser(s.db.QueryRow(`SELECT `+userCols+` `+userJoin+` WHERE u.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// RegisterUser creates a user with an empty profile in one transaction.
// makeTokens receives the fresh uid and returns (token, auth_token).
func (s *Store) RegisterUser(loginKey string, props LoginProperties, group string, makeTokens func(uid int64) (string, string)) (int64, error) {
	if err := props.Validate(); err != nil {
		return 0, err
	}
	propsRaw, err := json.Marshal(props)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	ts := nowMS()
	res, err := tx.Exec(
		`INSERT INTO user (login_key, login_properties, timestamp_ms, enabled, grp, terms_agreed) VALUES (?, ?, ?, 1, ?, 0)`,
		loginKey, propsRaw, ts, group)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	uid, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	tok, authTok := makeTokens(uid)
	if len(tok) > MaxTokenLen {
		return 0, errors.New("token too long")
	}

	res, err = tx.Exec(`INSERT INTO user_profile (user_id, timestamp_ms) VALUES (?, ?)`, uid, ts)
	if err != nil {
		return 0, fmt.Errorf("insert profile: %w", err)
	}
	profileID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(
		`UPDATE user SET token = ?, auth_token = ?, profile_id = ? WHERE id = ?`,
		tok, authTok, profileID, uid); err != nil {
		return 0, fmt.Errorf("finalize user: %w", err)
	}
	return uid, tx.Commit()
}

// UpdateProfile appends a fresh profile row and points the user at it.
// Older rows are kept for the audit trail.
func (s *Store) UpdateProfile(uid int64, p *UserProfile) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO user_profile (user_id, timestamp_ms, nickname, qq, tel, email, gender, stuid, comment) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uid, nowMS(), p.Nickname, p.QQ, p.Tel, p.Email, p.Gender, p.Stuid, p.Comment)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	profileID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE user SET profile_id = ? WHERE id = ?`, profileID, uid); err != nil {
		return fmt.Errorf("point user at profile: %w", err)
	}
	return tx.Commit()
}

func (s *Store) SetTermsAgreed(uid int64) error {
	_, err := s.db.Exec(`UPDATE user SET terms_agreed = 1 WHERE id = ?`, uid)
	return err
}

func (s *Store) SetLastFeedbackMS(uid, ms int64) error {
	_, err := s.db.Exec(`UPDATE user SET last_feedback_ms = ? WHERE id = ?`, ms, uid)
	return err
}

func (s *Store) SetUserGroup(uid int64, group string) error {
	_, err := s.db.Exec(`UPDATE user SET grp = ? WHERE id = ?`, group, uid)
	return err
}

func (s *Store) SetUserEnabled(uid int64, enabled bool) error {
	_, err := s.db.Exec(`UPDATE user SET enabled = ? WHERE id = ?`, enabled, uid)
	return err
}
