package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const (
	SubmitCooldownS  = 10
	MaxStoredFlagLen = 128
	MaxFeedbackLen   = 1200
)

type Submission struct {
	ID           int64
	UserID       int64
	ChallengeKey string
	Flag         string
	TimestampMS  int64

	ScoreOverride      sql.NullInt64
	PercentageOverride sql.NullInt64
}

// TweakScore applies operator overrides to a flag's current score. An
// absolute override wins over a percentage one.
func (s *Submission) TweakScore(flagScore int64) int64 {
	if s.ScoreOverride.Valid {
		return s.ScoreOverride.Int64
	}
	if s.PercentageOverride.Valid {
		return flagScore * s.PercentageOverride.Int64 / 100
	}
	return flagScore
}

const submissionCols = `id, user_id, challenge_key, flag, timestamp_ms, score_override, percentage_override`

func scanSubmission(row interface{ Scan(...any) error }) (*Submission, error) {
	var sub Submission
	err := row.Scan(&sub.ID, &sub.UserID, &sub.ChallengeKey, &sub.Flag, &sub.TimestampMS,
		&sub.ScoreOverride, &sub.PercentageOverride)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *Store) LoadSubmissions() ([]*Submission, error) {
	rows, err := s.db.Query(`SELECT ` + submissionCols + ` FROM submission ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var out []*Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) LoadOneSubmission(id int64) (*Submission, error) {
	sub, err := scanSubmission(s.db.QueryRow(`SELECT `+submissionCols+` FROM submission WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

// InsertSubmission persists a submission and fills in its id and timestamp.
func (s *Store) InsertSubmission(sub *Submission) error {
	if len(sub.Flag) > MaxStoredFlagLen {
		sub.Flag = sub.Flag[:MaxStoredFlagLen]
	}
	sub.TimestampMS = nowMS()
	res, err := s.db.Exec(
		`INSERT INTO submission (user_id, challenge_key, flag, timestamp_ms, score_override, percentage_override) VALUES (?, ?, ?, ?, ?, ?)`,
		sub.UserID, sub.ChallengeKey, sub.Flag, sub.TimestampMS, sub.ScoreOverride, sub.PercentageOverride)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	sub.ID, err = res.LastInsertId()
	return err
}

type Feedback struct {
	ID           int64
	UserID       int64
	TimestampMS  int64
	ChallengeKey string
	Content      string
	Checked      bool
}

func (s *Store) InsertFeedback(fb *Feedback) error {
	if len(fb.Content) > MaxFeedbackLen {
		return errors.New("feedback too long")
	}
	fb.TimestampMS = nowMS()
	res, err := s.db.Exec(
		`INSERT INTO feedback (user_id, timestamp_ms, challenge_key, content, checked) VALUES (?, ?, ?, ?, 0)`,
		fb.UserID, fb.TimestampMS, fb.ChallengeKey, fb.Content)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	fb.ID, err = res.LastInsertId()
	return err
}
