package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MemoryType classifies what kind of experience a record captures.
type MemoryType string

const (
	MemorySystem     MemoryType = "SYSTEM"
	MemoryReflection MemoryType = "REFLECTION"
	MemoryPlan       MemoryType = "PLAN"
	MemoryDialogue   MemoryType = "DIALOGUE"
	MemoryStrategy   MemoryType = "STRATEGY"
	MemoryError      MemoryType = "ERROR"
	MemoryTask       MemoryType = "TASK"
)

var memoryTypes = []MemoryType{
	MemorySystem, MemoryReflection, MemoryPlan, MemoryDialogue,
	MemoryStrategy, MemoryError, MemoryTask,
}

// MemoryTypes lists every accepted memory type.
func MemoryTypes() []MemoryType {
	return append([]MemoryType(nil), memoryTypes...)
}

// ParseMemoryType accepts any casing of a known type name.
func ParseMemoryType(s string) (MemoryType, error) {
	candidate := MemoryType(strings.ToUpper(strings.TrimSpace(s)))
	for _, t := range memoryTypes {
		if t == candidate {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown memory type %q", s)
}

// Valid reports whether t is one of the known memory types.
func (t MemoryType) Valid() bool {
	_, err := ParseMemoryType(string(t))
	return err == nil
}

// DefaultTrustScore is assigned to records ingested without an explicit trust.
const DefaultTrustScore = 0.75

// MemoryRecord represents a persisted memory entry of a cognitive domain.
type MemoryRecord struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	InputText   string     `json:"input_text"`
	OutputText  string     `json:"output_text"`
	MemoryType  MemoryType `json:"memory_type"`
	TrustScore  *float64   `json:"trust_score,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Fingerprint string     `json:"fingerprint"`
	VectorID    int64      `json:"vector_id"`
}

// NewRecord builds a record with a fresh id, default trust and a computed fingerprint.
func NewRecord(agentID, input, output string, memoryType MemoryType) MemoryRecord {
	rec := MemoryRecord{
		AgentID:    agentID,
		InputText:  input,
		OutputText: output,
		MemoryType: memoryType,
	}
	return rec.Normalize(time.Now)
}

// Normalize fills the fields a caller may leave empty: id, trust score,
// creation time and fingerprint.
func (r MemoryRecord) Normalize(clock func() time.Time) MemoryRecord {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.TrustScore == nil {
		r = r.WithTrust(DefaultTrustScore)
	}
	if r.CreatedAt.IsZero() {
		if clock == nil {
			clock = time.Now
		}
		r.CreatedAt = clock()
	}
	r.CreatedAt = r.CreatedAt.UTC()
	if r.Fingerprint == "" {
		r.Fingerprint = Fingerprint(r.InputText, r.OutputText)
	}
	return r
}

// Trust returns the trust score, or DefaultTrustScore when none was given.
func (r MemoryRecord) Trust() float64 {
	if r.TrustScore == nil {
		return DefaultTrustScore
	}
	return *r.TrustScore
}

// WithTrust returns a copy of r with an explicit trust score. Zero is a
// valid score.
func (r MemoryRecord) WithTrust(score float64) MemoryRecord {
	r.TrustScore = &score
	return r
}

// EmbedText is the canonical text sent to the embedding provider on ingest.
func (r MemoryRecord) EmbedText() string {
	return "Input: " + r.InputText + "\nOutput: " + r.OutputText
}

// Fingerprint is the sha256 hex digest of the trimmed input and output joined by "||".
func Fingerprint(input, output string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(input) + "||" + strings.TrimSpace(output)))
	return hex.EncodeToString(sum[:])
}
