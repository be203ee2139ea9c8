package ids

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the algorithm used for prefixed stream identifiers.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered UUID v7 identifiers.
	StrategyUUIDv7
)

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces identifiers for persisted rows and transient stream
// entities.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.setStrategy(strategy)
}

func (g *Generator) setStrategy(strategy Strategy) {
	g.mu.Lock()
	g.strategy = strategy
	g.mu.Unlock()
}

// Short returns a 12-character hex identifier. Projects, plans, tasks, and
// checkpoints are keyed by these; they are long enough to never collide
// within one installation and short enough to read in logs and URLs.
func Short() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return raw[:12]
}

// NewProjectID returns an identifier for a project row.
func NewProjectID() string { return Short() }

// NewPlanID returns an identifier for a plan row.
func NewPlanID() string { return Short() }

// NewTaskID returns an identifier for a task row.
func NewTaskID() string { return Short() }

// NewCheckpointID returns an identifier for a checkpoint row.
func NewCheckpointID() string { return Short() }

// NewRequestID generates a sortable identifier for HTTP request tracing.
func NewRequestID() string {
	return defaultGenerator.newIdentifier("req")
}

// NewSubscriberID generates an identifier for a progress stream subscriber.
func NewSubscriberID() string {
	return defaultGenerator.newIdentifier("sub")
}

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	var body string
	switch strategy {
	case StrategyUUIDv7:
		uuidv7, err := uuid.NewV7()
		if err == nil {
			body = uuidv7.String()
			break
		}
		fallthrough
	case StrategyKSUID:
		body = ksuid.New().String()
	default:
		body = ksuid.New().String()
	}

	return fmt.Sprintf("%s-%s", prefix, body)
}
