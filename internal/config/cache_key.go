package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExamModeStatusKey returns the cache key for a candidate's exam-mode snapshot
func (r *CacheKeyStruct) ExamModeStatusKey(contestID string, userID int) string {
	return fmt.Sprintf("exam_mode:%s:user:%d:status", contestID, userID)
}

// ExamModeStatusVersionKey returns the key holding the version of the cached
// snapshot, in microseconds of the session's updated_at
func (r *CacheKeyStruct) ExamModeStatusVersionKey(contestID string, userID int) string {
	return fmt.Sprintf("exam_mode:%s:user:%d:status_version", contestID, userID)
}

// ExamModeChannel returns the Redis PubSub channel carrying a candidate's status changes
func (r *CacheKeyStruct) ExamModeChannel(contestID string, userID int) string {
	return fmt.Sprintf("exam_mode:%s:user:%d:events", contestID, userID)
}

// ExamModeUnlockSchedule returns the sorted set of pending automatic unlocks,
// scored by unlock time in Unix seconds
func (r *CacheKeyStruct) ExamModeUnlockSchedule() string {
	return "exam_mode:unlock_schedule"
}

// ExamModeUnlockMember returns a candidate's member in the unlock schedule
func (r *CacheKeyStruct) ExamModeUnlockMember(contestID string, userID int) string {
	return fmt.Sprintf("%s:%d", contestID, userID)
}

// ParseUnlockMember reverses ExamModeUnlockMember.
func (r *CacheKeyStruct) ParseUnlockMember(member string) (uuid.UUID, int, error) {
	idx := strings.LastIndexByte(member, ':')
	if idx < 0 {
		return uuid.Nil, 0, fmt.Errorf("malformed unlock member %q", member)
	}
	contestID, err := uuid.Parse(member[:idx])
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("parse contest id: %w", err)
	}
	userID, err := strconv.Atoi(member[idx+1:])
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("parse user id: %w", err)
	}
	return contestID, userID, nil
}

var CacheKey = NewCacheKeyStruct()
