package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Trigger is one tick boundary: at timestamp_s the game advances to tick.
type Trigger struct {
	ID         int64
	Tick       int64
	TimestampS int64
	Name       string
}

func (s *Store) LoadTriggers() ([]*Trigger, error) {
	rows, err := s.db.Query(`SELECT id, tick, timestamp_s, name FROM trigger ORDER BY tick`)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		var t Trigger
		if err := rows.Scan(&t.ID, &t.Tick, &t.TimestampS, &t.Name); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Store) UpsertTrigger(t *Trigger) error {
	if t.Name == "" {
		return errors.New("trigger name should not be empty")
	}
	_, err := s.db.Exec(`
		INSERT INTO trigger (tick, timestamp_s, name) VALUES (?, ?, ?)
		ON CONFLICT(tick) DO UPDATE SET timestamp_s = excluded.timestamp_s, name = excluded.name`,
		t.Tick, t.TimestampS, t.Name)
	if err != nil {
		return fmt.Errorf("upsert trigger %d: %w", t.Tick, err)
	}
	return nil
}

// GamePolicy is one phase of game rules, effective from a tick onward.
type GamePolicy struct {
	ID             int64
	EffectiveAfter int64

	CanViewProblem       bool
	CanSubmitFlag        bool
	CanSubmitWriteup     bool
	IsSubmissionDeducted bool
}

// FallbackPolicy applies before the first configured policy: everything off.
func FallbackPolicy() *GamePolicy {
	return &GamePolicy{}
}

// ShowProblemsToGuest reports whether the problem list is public, which it
// is while the game is actively running.
func (p *GamePolicy) ShowProblemsToGuest() bool {
	return p.CanViewProblem && p.CanSubmitFlag
}

func (s *Store) LoadGamePolicies() ([]*GamePolicy, error) {
	rows, err := s.db.Query(`
		SELECT id, effective_after, can_view_problem, can_submit_flag, can_submit_writeup, is_submission_deducted
		FROM game_policy ORDER BY effective_after`)
	if err != nil {
		return nil, fmt.Errorf("query game policies: %w", err)
	}
	defer rows.Close()

	var out []*GamePolicy
	for rows.Next() {
		var p GamePolicy
		if err := rows.Scan(&p.ID, &p.EffectiveAfter, &p.CanViewProblem, &p.CanSubmitFlag, &p.CanSubmitWriteup, &p.IsSubmissionDeducted); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *Store) UpsertGamePolicy(p *GamePolicy) error {
	_, err := s.db.Exec(`
		INSERT INTO game_policy (effective_after, can_view_problem, can_submit_flag, can_submit_writeup, is_submission_deducted)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(effective_after) DO UPDATE SET
			can_view_problem = excluded.can_view_problem,
			can_submit_flag = excluded.can_submit_flag,
			can_submit_writeup = excluded.can_submit_writeup,
			is_submission_deducted = excluded.is_submission_deducted`,
		p.EffectiveAfter, p.CanViewProblem, p.CanSubmitFlag, p.CanSubmitWriteup, p.IsSubmissionDeducted)
	if err != nil {
		return fmt.Errorf("upsert game policy @%d: %w", p.EffectiveAfter, err)
	}
	return nil
}

type Announcement struct {
	ID              int64
	TimestampS      int64
	Title           string
	ContentTemplate string
}

func (s *Store) LoadAnnouncements() ([]*Announcement, error) {
	rows, err := s.db.Query(`SELECT id, timestamp_s, title, content_template FROM announcement ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query announcements: %w", err)
	}
	defer rows.Close()

	var out []*Announcement
	for rows.Next() {
		var a Announcement
		if err := rows.Scan(&a.ID, &a.TimestampS, &a.Title, &a.ContentTemplate); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) LoadOneAnnouncement(id int64) (*Announcement, error) {
	var a Announcement
	err := s.db.QueryRow(`SELECT id, timestamp_s, title, content_template FROM announcement WHERE id = ?`, id).
		Scan(&a.ID, &a.TimestampS, &a.Title, &a.ContentTemplate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) InsertAnnouncement(a *Announcement) error {
	if a.Title == "" {
		return errors.New("announcement title should not be empty")
	}
	if a.TimestampS == 0 {
		a.TimestampS = time.Now().Unix()
	}
	res, err := s.db.Exec(
		`INSERT INTO announcement (timestamp_s, title, content_template) VALUES (?, ?, ?)`,
		a.TimestampS, a.Title, a.ContentTemplate)
	if err != nil {
		return fmt.Errorf("insert announcement: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}
