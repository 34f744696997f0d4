package storage

import (
	"time"

	"github.com/google/uuid"
)

// Request kinds recorded in the ledger.
const (
	KindPrompt  = "prompt"
	KindChat    = "chat"
	KindFile    = "file"
	KindAnalyze = "analyze"
)

// UsageEntry is the metadata of one provider request. Prompt and reply text
// are never stored.
type UsageEntry struct {
	ID            uuid.UUID
	SessionID     uuid.UUID
	Provider      string
	Model         string
	Kind          string
	PromptChars   int
	ResponseChars int
	Fragments     int
	DurationMS    int64
	Failed        bool
	CreatedAt     time.Time
}

type ProviderStats struct {
	Provider      string
	Requests      int64
	Failures      int64
	ResponseChars int64
	AvgDurationMS float64
}
