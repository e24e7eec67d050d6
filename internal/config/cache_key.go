package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionAnswersKey returns the cache key for a session's answers hash.
func (r *CacheKeyStruct) SessionAnswersKey(sessionID string) string {
	return fmt.Sprintf("session:%s:answers", sessionID)
}

// SessionDeadlineKey returns the cache key for a session's absolute
// wall-clock deadline (unix seconds).
func (r *CacheKeyStruct) SessionDeadlineKey(sessionID string) string {
	return fmt.Sprintf("session:%s:deadline", sessionID)
}

// SessionIndexKey returns the cache key for a session's current question index.
func (r *CacheKeyStruct) SessionIndexKey(sessionID string) string {
	return fmt.Sprintf("session:%s:question_index", sessionID)
}

// TestAnswerKeyKey returns the cache key for a test's single-choice answer key.
func (r *CacheKeyStruct) TestAnswerKeyKey(testID string) string {
	return fmt.Sprintf("test:%s:answer_key", testID)
}

// ActiveSessionsKey returns the key of the set of in-progress session ids,
// scanned by the expiry worker.
func (r *CacheKeyStruct) ActiveSessionsKey() string {
	return "sessions:active"
}

var CacheKey = NewCacheKeyStruct()
