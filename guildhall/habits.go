package guildhall

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	habitNameMaxLength = 50
	habitDayFormat     = time.DateOnly
)

var (
	ErrHabitNotFound    = errors.New("habit not found")
	ErrHabitExists      = errors.New("habit already exists")
	ErrAlreadyCheckedIn = errors.New("already checked in today")
	ErrInvalidHabitName = errors.New("invalid habit name")
)

// Habit is a daily habit tracked for a user.
type Habit struct {
	ModelUintID
	UserID    string         `json:"user_id" gorm:"size:32;not null;uniqueIndex:idx_habit_user_name"`
	Name      string         `json:"name" gorm:"size:50;not null;uniqueIndex:idx_habit_user_name"`
	Checkins  []HabitCheckin `json:"-" gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

// HabitCheckin records a habit being done on a (UTC) day.
type HabitCheckin struct {
	ModelUintID
	HabitID   uint   `json:"habit_id" gorm:"not null;uniqueIndex:idx_checkin_habit_day"`
	Day       string `json:"day" gorm:"size:10;not null;uniqueIndex:idx_checkin_habit_day"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

// HabitSummary describes a habit's progress.
type HabitSummary struct {
	ID         uint   `json:"id"`
	Name       string `json:"name"`
	Streak     int    `json:"streak"`
	BestStreak int    `json:"best_streak"`
	Total      int    `json:"total"`
	DoneToday  bool   `json:"done_today"`
	LastDay    string `json:"last_day,omitempty"`
}

// HabitTracker stores habits and daily check-ins.
type HabitTracker struct {
	db  DBI
	now func() time.Time
}

func NewHabitTracker(db DBI) *HabitTracker {
	return &HabitTracker{db: db, now: time.Now}
}

func normalizeHabitName(name string) (string, error) {
	name = strings.ToLower(strings.Join(strings.Fields(name), " "))
	if name == "" || utf8.RuneCountInString(name) > habitNameMaxLength {
		return "", ErrInvalidHabitName
	}
	return name, nil
}

func (h *HabitTracker) today() string {
	return h.now().UTC().Format(habitDayFormat)
}

// AddHabit starts tracking a habit for the user.
func (h *HabitTracker) AddHabit(ctx context.Context, userID string, name string) (*Habit, error) {
	name, err := normalizeHabitName(name)
	if err != nil {
		return nil, err
	}
	if _, err = h.getHabit(ctx, userID, name); err == nil {
		return nil, ErrHabitExists
	} else if !errors.Is(err, ErrHabitNotFound) {
		return nil, err
	}

	habit := &Habit{UserID: userID, Name: name}
	if _, err = h.db.Create(ctx, habit); err != nil {
		return nil, fmt.Errorf("error creating habit: %w", err)
	}
	return habit, nil
}

func (h *HabitTracker) getHabit(ctx context.Context, userID string, name string) (*Habit, error) {
	var habit Habit
	err := h.db.DB().WithContext(ctx).
		Where("user_id = ? AND name = ?", userID, name).
		Take(&habit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHabitNotFound
		}
		return nil, err
	}
	return &habit, nil
}

// CheckIn marks the habit done for today, returning the current streak.
func (h *HabitTracker) CheckIn(ctx context.Context, userID string, name string) (int, error) {
	name, err := normalizeHabitName(name)
	if err != nil {
		return 0, ErrHabitNotFound
	}
	habit, err := h.getHabit(ctx, userID, name)
	if err != nil {
		return 0, err
	}

	today := h.today()
	var existing int64
	err = h.db.DB().WithContext(ctx).Model(&HabitCheckin{}).
		Where("habit_id = ? AND day = ?", habit.ID, today).
		Count(&existing).Error
	if err != nil {
		return 0, err
	}
	if existing > 0 {
		return 0, ErrAlreadyCheckedIn
	}

	if _, err = h.db.Create(ctx, &HabitCheckin{HabitID: habit.ID, Day: today}); err != nil {
		return 0, fmt.Errorf("error saving check-in: %w", err)
	}

	days, err := h.checkinDays(ctx, habit.ID)
	if err != nil {
		return 0, err
	}
	streak, _ := habitStreaks(days, today)
	return streak, nil
}

func (h *HabitTracker) checkinDays(ctx context.Context, habitID uint) ([]string, error) {
	var days []string
	err := h.db.DB().WithContext(ctx).Model(&HabitCheckin{}).
		Where("habit_id = ?", habitID).
		Order("day asc").
		Pluck("day", &days).Error
	return days, err
}

// List summarizes the user's habits, sorted by name.
func (h *HabitTracker) List(ctx context.Context, userID string) ([]HabitSummary, error) {
	var habits []Habit
	err := h.db.DB().WithContext(ctx).
		Where("user_id = ?", userID).
		Order("name asc").
		Find(&habits).Error
	if err != nil {
		return nil, err
	}

	today := h.today()
	summaries := make([]HabitSummary, 0, len(habits))
	for _, habit := range habits {
		days, dayErr := h.checkinDays(ctx, habit.ID)
		if dayErr != nil {
			return nil, dayErr
		}
		streak, best := habitStreaks(days, today)
		summary := HabitSummary{
			ID:         habit.ID,
			Name:       habit.Name,
			Streak:     streak,
			BestStreak: best,
			Total:      len(days),
		}
		if len(days) > 0 {
			summary.LastDay = days[len(days)-1]
			summary.DoneToday = summary.LastDay == today
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// habitStreaks returns the current and longest runs of consecutive
// days. The current streak counts back from today, or from yesterday
// if today hasn't been checked in yet.
func habitStreaks(days []string, today string) (current int, best int) {
	if len(days) == 0 {
		return 0, 0
	}
	parsed := make([]time.Time, 0, len(days))
	for _, d := range days {
		t, err := time.Parse(habitDayFormat, d)
		if err != nil {
			continue
		}
		parsed = append(parsed, t)
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].Before(parsed[j]) })

	run := 0
	var prev time.Time
	for i, t := range parsed {
		switch {
		case i == 0:
			run = 1
		case t.Equal(prev):
			continue
		case t.Equal(prev.AddDate(0, 0, 1)):
			run++
		default:
			run = 1
		}
		best = max(best, run)
		prev = t
	}

	todayTime, err := time.Parse(habitDayFormat, today)
	if err != nil || len(parsed) == 0 {
		return 0, best
	}
	last := parsed[len(parsed)-1]
	if last.Equal(todayTime) || last.Equal(todayTime.AddDate(0, 0, -1)) {
		current = run
	}
	return current, best
}
