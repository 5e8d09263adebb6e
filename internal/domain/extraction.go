package domain

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects what a run extracts.
type Mode string

const (
	ModeRaw        Mode = "raw"
	ModeStructured Mode = "structured"
	ModeBoth       Mode = "both"
)

// Modes lists the accepted data types in the order they are documented.
var Modes = []Mode{ModeStructured, ModeRaw, ModeBoth}

// ParseMode maps a --data-type value onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeRaw:
		return ModeRaw, nil
	case ModeStructured:
		return ModeStructured, nil
	case ModeBoth:
		return ModeBoth, nil
	default:
		return "", fmt.Errorf("invalid data type %q: choose from structured, raw, both", s)
	}
}

// ExtractionRequest is built once per extraction and never mutated.
type ExtractionRequest struct {
	TargetURL    string
	Instructions string
	Mode         Mode
	UsePlanner   bool
	UseMemory    bool
}

// RunRecord is the persisted history entry for one scrape run.
type RunRecord struct {
	ID                string
	Mode              Mode
	Status            string
	RawOutcome        string
	StructuredOutcome string
	RecordsWritten    int
	NetWorth          *string
	Error             string
	StartedAt         time.Time
	FinishedAt        time.Time
}
