package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// TypeGenerated marks songs produced by a generation.
const TypeGenerated = "GENERATED"

type Song struct {
	ID        string `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	UserID string `gorm:"index;not null;default:''"`
	Type   string `gorm:"not null;default:''"`

	Title    string            `gorm:"not null;default:''"`
	Prompt   string            `gorm:"not null;default:''"`
	Mode     string            `gorm:"not null;default:''"`
	Filename string            `gorm:"index;not null;default:''"`
	Format   string            `gorm:"not null;default:''"`
	Tags     map[string]string `gorm:"serializer:json;type:text"`
	Lyrics   string            `gorm:"type:text"`
	Duration int               `gorm:"not null;default:0"`

	Archived bool `gorm:"index;not null;default:false"`
}

// NewSong returns a generated song record with a fresh id.
func NewSong(userID, prompt string) *Song {
	return &Song{
		ID:     ulid.Make().String(),
		UserID: userID,
		Type:   TypeGenerated,
		Title:  SongTitle(prompt),
		Prompt: prompt,
	}
}

// SongTitle derives a display title from the first 20 characters of the
// prompt.
func SongTitle(prompt string) string {
	short := prompt
	if utf8.RuneCountInString(short) > 20 {
		short = string([]rune(short)[:20])
	}
	return fmt.Sprintf("Canción sobre %s...", short)
}

func (s *Store) GetSong(ctx context.Context, id string) (*Song, error) {
	var v Song
	if err := s.db.WithContext(ctx).First(&v, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: failed to get Song %s: %w", id, err)
	}
	return &v, nil
}

func (s *Store) SetSong(ctx context.Context, v *Song) error {
	if err := s.db.WithContext(ctx).Save(v).Error; err != nil {
		return fmt.Errorf("storage: failed to set Song %s: %w", v.ID, err)
	}
	return nil
}

func (s *Store) ListSongs(ctx context.Context, page, size int, orderBy string, filter ...Filter) ([]*Song, error) {
	filter = append(filter, Where("archived = ?", false))
	return s.ListAllSongs(ctx, page, size, orderBy, filter...)
}

func (s *Store) ListAllSongs(ctx context.Context, page, size int, orderBy string, filter ...Filter) ([]*Song, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * size
	vs := []*Song{}

	q := s.db.WithContext(ctx).Offset(offset).Limit(size)
	for _, f := range filter {
		q = q.Where(f.Query, f.Args...)
	}
	if orderBy != "" {
		q = q.Order(orderBy)
	}
	if err := q.Find(&vs).Error; err != nil {
		return nil, fmt.Errorf("storage: failed to list Songs: %w", err)
	}
	return vs, nil
}

// History lists the user's unarchived songs created after since, newest first.
func (s *Store) History(ctx context.Context, userID string, since time.Time) ([]*Song, error) {
	return s.ListSongs(ctx, 1, 1000, "created_at desc",
		Where("user_id = ?", userID),
		Where("created_at >= ?", since),
	)
}

// ArchiveSongs marks generated songs created before the given time as
// archived and returns how many were updated.
func (s *Store) ArchiveSongs(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Song{}).
		Where("archived = ? AND type = ? AND created_at < ?", false, TypeGenerated, before).
		Update("archived", true)
	if res.Error != nil {
		return 0, fmt.Errorf("storage: failed to archive songs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
